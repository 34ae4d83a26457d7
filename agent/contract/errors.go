package contract

import "errors"

var (
	// ErrConfiguration marks a missing provider binding for a tool; fatal
	// for that tool, surfaced to logs, never retried.
	ErrConfiguration = errors.New("tool provider binding missing")

	// ErrNoActiveConnection marks a missing user credential binding; it is
	// reported to the user, who must re-authenticate to clear it.
	ErrNoActiveConnection = errors.New("no active connection")

	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("action not found")
	ErrNotReady   = errors.New("action is not ready")

	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
)
