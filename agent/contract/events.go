package contract

type EventType string

const (
	EventPlanGenerated               EventType = "plan_generated"
	EventParameterCollectionRequired EventType = "parameter_collection_required"
	EventActionConfirmationRequired  EventType = "action_confirmation_required"
	EventActionReadyForConfirmation  EventType = "action_ready_for_confirmation"
	EventConversationalTextSegment   EventType = "conversational_text_segment"
	EventStreamEnd                   EventType = "stream_end"
	EventRunUpdated                  EventType = "run_updated"
	EventError                       EventType = "error"
)

// SegmentKind marks the position of a conversational text segment within
// one message's narration stream.
type SegmentKind string

const (
	SegmentStartStream SegmentKind = "START_STREAM"
	SegmentStreaming   SegmentKind = "STREAMING"
	SegmentEndStream   SegmentKind = "END_STREAM"
)

// Event is one outbound message on the client channel. Events for a single
// MessageID are delivered in the order they were produced.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// TextSegment is the payload of a conversational_text_segment event.
type TextSegment struct {
	Kind     SegmentKind `json:"kind"`
	Sequence int         `json:"sequence"`
	Content  string      `json:"content,omitempty"`
}

// ParameterRequest is the payload of a parameter_collection_required event;
// it lists only the missing required parameter names.
type ParameterRequest struct {
	ActionID string   `json:"action_id"`
	ToolName string   `json:"tool_name"`
	Missing  []string `json:"missing"`
}

// ErrorPayload carries a human-readable failure description to the client.
type ErrorPayload struct {
	Message string `json:"message"`
}
