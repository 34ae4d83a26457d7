package contract

import "context"

// Dispatcher executes one ready tool call against the external connector
// platform. Execution failures are returned as a failed ToolResult; the
// error return is reserved for pre-dispatch conditions (ErrConfiguration,
// ErrNoActiveConnection) that require operator or user action.
type Dispatcher interface {
	ExecuteTool(ctx context.Context, call ToolCall) (ToolResult, error)
}

// Sender delivers one event on the client channel. Implementations must
// preserve production order for events of the same session.
type Sender interface {
	Send(sessionID string, ev Event)
}

// ConnectionStore resolves the caller's active connection identity from the
// session/connection store.
type ConnectionStore interface {
	ActiveConnection(ctx context.Context, userID string) (string, error)
}

// RunArchiver persists finalized run records through the external store's
// narrow key/value and append interface.
type RunArchiver interface {
	SaveRun(ctx context.Context, run Run) error
	AppendRunEvent(ctx context.Context, sessionID string, entry any) error
}
