package contract

import "time"

// RunStatus is the aggregate lifecycle status of a Run. Transitions are
// forward-only; terminal statuses require every step to carry a result.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunRunning        RunStatus = "running"
	RunSuccess        RunStatus = "success"
	RunPartialSuccess RunStatus = "partial_success"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
)

// Terminal reports whether a run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunPartialSuccess, RunFailed, RunCompleted:
		return true
	}
	return false
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

type ActionStatus string

const (
	ActionCollectingParameters ActionStatus = "collecting_parameters"
	ActionReady                ActionStatus = "ready"
	ActionExecuting            ActionStatus = "executing"
	ActionCompleted            ActionStatus = "completed"
	ActionFailed               ActionStatus = "failed"
)

// Terminal reports whether an action admits no further transitions; only a
// fresh plan creating a new action id can supersede a terminal action.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed
}

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// ToolCall identifies one invocation of an external tool on behalf of a user.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
}

// ToolResult is the normalized outcome of one dispatch, regardless of the
// shape the external executor returned.
type ToolResult struct {
	Status   ResultStatus `json:"status"`
	ToolName string       `json:"tool_name"`
	Data     any          `json:"data,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// ToolExecutionStep is a single planned invocation within a Run. StepID
// equals the originating plan step's id and is never regenerated, so result
// correlation survives re-execution.
type ToolExecutionStep struct {
	StepID     string      `json:"step_id"`
	ToolCall   ToolCall    `json:"tool_call"`
	Status     StepStatus  `json:"status"`
	Result     *ToolResult `json:"result,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Run is the session-scoped execution record of one user request. A session
// owns at most one active Run at a time.
type Run struct {
	ID                string              `json:"id"`
	SessionID         string              `json:"session_id"`
	UserID            string              `json:"user_id"`
	UserInput         string              `json:"user_input"`
	Steps             []ToolExecutionStep `json:"steps"`
	Status            RunStatus           `json:"status"`
	StartedAt         time.Time           `json:"started_at"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	AssistantResponse *string             `json:"assistant_response,omitempty"`
	PlanID            string              `json:"plan_id"`
}

// Parameter describes one declared input of an action, with its current
// value if the plan or the user has supplied one.
type Parameter struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Required     bool   `json:"required"`
	CurrentValue any    `json:"current_value,omitempty"`
	Hint         string `json:"hint,omitempty"`
}

// ActiveAction is the launcher's live, client-visible view of one plan step.
// Invariant: Status == ActionCollectingParameters iff MissingParameters is
// non-empty; Status == ActionReady iff every required parameter has a
// non-empty current value.
type ActiveAction struct {
	ID                string         `json:"id"`
	ToolName          string         `json:"tool_name"`
	Description       string         `json:"description"`
	Arguments         map[string]any `json:"arguments"`
	Parameters        []Parameter    `json:"parameters"`
	MissingParameters []string       `json:"missing_parameters,omitempty"`
	Status            ActionStatus   `json:"status"`
	Result            *ToolResult    `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	MessageID         string         `json:"message_id"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ActionStepStatus marks a proposed step as immediately runnable or
// dependent on a sibling step's result.
type ActionStepStatus string

const (
	ActionStepReady       ActionStepStatus = "ready"
	ActionStepConditional ActionStepStatus = "conditional"
)

// ActionStep is one unvalidated proposed invocation inside an ActionPlan.
// Arguments may contain unresolved dependency placeholders of the form
// {{stepId.result.<path>}}.
type ActionStep struct {
	ID             string           `json:"id"`
	Intent         string           `json:"intent"`
	Tool           string           `json:"tool"`
	Arguments      map[string]any   `json:"arguments"`
	Status         ActionStepStatus `json:"status"`
	RequiredParams []string         `json:"required_params,omitempty"`
}

// ActionPlan is the ephemeral output of plan generation; it is consumed once
// by the launcher and discarded.
type ActionPlan struct {
	ID    string       `json:"id"`
	Steps []ActionStep `json:"steps"`
}

// ChatMessage is one turn of conversation history fed back into the
// narration model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
