// Package run holds the pure state-transition functions over a Run value:
// creation from an accepted plan, marking a step started, recording a step
// result, and aggregating per-step outcomes into an overall status.
package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
)

var ErrStepNotFound = errors.New("run step not found")

// maxUserInputRunes bounds the stored copy of the user's request.
const maxUserInputRunes = 2000

// Create builds a pending Run from an accepted plan. Step ids are taken from
// the plan steps and are never regenerated afterwards. Argument maps are
// copied so later parameter edits on the live actions cannot reach into the
// recorded run.
func Create(sessionID, userID, userInput string, plan contractx.ActionPlan, now time.Time) contractx.Run {
	steps := make([]contractx.ToolExecutionStep, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		steps = append(steps, contractx.ToolExecutionStep{
			StepID: step.ID,
			Status: contractx.StepPending,
			ToolCall: contractx.ToolCall{
				ID:        step.ID,
				Name:      step.Tool,
				Arguments: cloneArgs(step.Arguments),
				SessionID: sessionID,
				UserID:    userID,
			},
		})
	}
	return contractx.Run{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		UserInput: truncate(userInput, maxUserInputRunes),
		Steps:     steps,
		Status:    contractx.RunPending,
		StartedAt: now.UTC(),
		PlanID:    plan.ID,
	}
}

// StartToolExecution marks the matching step executing and moves the run to
// running. It returns a new Run value; the input is not mutated.
func StartToolExecution(r contractx.Run, toolCallID string, now time.Time) (contractx.Run, error) {
	out := cloneRun(r)
	step := findStep(&out, toolCallID)
	if step == nil {
		return r, fmt.Errorf("%w: %s", ErrStepNotFound, toolCallID)
	}
	ts := now.UTC()
	step.Status = contractx.StepExecuting
	step.StartedAt = &ts
	if !out.Status.Terminal() {
		out.Status = contractx.RunRunning
	}
	return out, nil
}

// RecordToolResult sets the step's result and finish time. It does not by
// itself change run-level status; call Finalize afterwards.
func RecordToolResult(r contractx.Run, toolCallID string, result contractx.ToolResult, now time.Time) (contractx.Run, error) {
	out := cloneRun(r)
	step := findStep(&out, toolCallID)
	if step == nil {
		return r, fmt.Errorf("%w: %s", ErrStepNotFound, toolCallID)
	}
	ts := now.UTC()
	res := result
	step.Result = &res
	step.FinishedAt = &ts
	if result.Status == contractx.ResultSuccess {
		step.Status = contractx.StepCompleted
	} else {
		step.Status = contractx.StepFailed
	}
	return out, nil
}

// Finalize aggregates step outcomes into an overall status. It is safe to
// call speculatively after each step: until every step has a non-nil result
// it returns the run unchanged. Zero results aggregate to failed, all
// success to success, a mix to partial_success, all failed to failed.
func Finalize(r contractx.Run, now time.Time) contractx.Run {
	if r.Status.Terminal() {
		return r
	}
	succeeded, failed := 0, 0
	for _, step := range r.Steps {
		if step.Result == nil {
			return r
		}
		if step.Result.Status == contractx.ResultSuccess {
			succeeded++
		} else {
			failed++
		}
	}

	out := cloneRun(r)
	ts := now.UTC()
	out.CompletedAt = &ts
	switch {
	case succeeded == 0:
		out.Status = contractx.RunFailed
	case failed == 0:
		out.Status = contractx.RunSuccess
	default:
		out.Status = contractx.RunPartialSuccess
	}
	return out
}

// Finalized reports whether every step carries a result.
func Finalized(r contractx.Run) bool {
	if len(r.Steps) == 0 {
		return true
	}
	for _, step := range r.Steps {
		if step.Result == nil {
			return false
		}
	}
	return true
}

// SetAssistantResponse attaches the regenerated final narration.
func SetAssistantResponse(r contractx.Run, response string) contractx.Run {
	out := cloneRun(r)
	out.AssistantResponse = &response
	return out
}

// Results indexes non-nil step results by step id, the shape the dependency
// resolver consumes.
func Results(r contractx.Run) map[string]*contractx.ToolResult {
	out := make(map[string]*contractx.ToolResult, len(r.Steps))
	for _, step := range r.Steps {
		if step.Result != nil {
			res := *step.Result
			out[step.StepID] = &res
		}
	}
	return out
}

func findStep(r *contractx.Run, toolCallID string) *contractx.ToolExecutionStep {
	for i := range r.Steps {
		if r.Steps[i].ToolCall.ID == toolCallID || r.Steps[i].StepID == toolCallID {
			return &r.Steps[i]
		}
	}
	return nil
}

// cloneRun copies the step slice and each step's argument map; run snapshots
// travel to event payloads marshaled outside any lock.
func cloneRun(r contractx.Run) contractx.Run {
	out := r
	out.Steps = make([]contractx.ToolExecutionStep, len(r.Steps))
	copy(out.Steps, r.Steps)
	for i := range out.Steps {
		out.Steps[i].ToolCall.Arguments = cloneArgs(out.Steps[i].ToolCall.Arguments)
	}
	return out
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
