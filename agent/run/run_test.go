package run

import (
	"strings"
	"testing"
	"time"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
)

func planOf(stepIDs ...string) contractx.ActionPlan {
	plan := contractx.ActionPlan{ID: "plan-1"}
	for _, id := range stepIDs {
		plan.Steps = append(plan.Steps, contractx.ActionStep{
			ID:        id,
			Tool:      "fetch_entity",
			Arguments: map[string]any{"entity": "Account"},
		})
	}
	return plan
}

func TestCreatePreservesStepIDs(t *testing.T) {
	t.Parallel()

	r := Create("sess-1", "user-1", "look up acme", planOf("step1", "step2"), time.Now())
	if r.Status != contractx.RunPending {
		t.Fatalf("Create() status = %s, want pending", r.Status)
	}
	if len(r.Steps) != 2 {
		t.Fatalf("Create() steps = %d, want 2", len(r.Steps))
	}
	if r.Steps[0].StepID != "step1" || r.Steps[0].ToolCall.ID != "step1" {
		t.Fatalf("step id not carried from plan: %+v", r.Steps[0])
	}
	if r.ID == "" || r.PlanID != "plan-1" {
		t.Fatalf("missing identifiers: id=%q plan=%q", r.ID, r.PlanID)
	}
}

func TestCreateTruncatesOversizedInput(t *testing.T) {
	t.Parallel()

	input := strings.Repeat("x", 5000)
	r := Create("sess-1", "user-1", input, planOf("step1"), time.Now())
	if len([]rune(r.UserInput)) != maxUserInputRunes {
		t.Fatalf("UserInput length = %d, want %d", len([]rune(r.UserInput)), maxUserInputRunes)
	}
}

func TestStartToolExecution(t *testing.T) {
	t.Parallel()

	r := Create("sess-1", "user-1", "go", planOf("step1"), time.Now())
	started, err := StartToolExecution(r, "step1", time.Now())
	if err != nil {
		t.Fatalf("StartToolExecution() error = %v", err)
	}
	if started.Status != contractx.RunRunning {
		t.Fatalf("run status = %s, want running", started.Status)
	}
	if started.Steps[0].Status != contractx.StepExecuting || started.Steps[0].StartedAt == nil {
		t.Fatalf("step not marked executing: %+v", started.Steps[0])
	}
	if r.Steps[0].Status != contractx.StepPending {
		t.Fatal("StartToolExecution() mutated its input")
	}
}

func TestRecordToolResultDoesNotFinalize(t *testing.T) {
	t.Parallel()

	r := Create("sess-1", "user-1", "go", planOf("step1", "step2"), time.Now())
	r, err := RecordToolResult(r, "step1", contractx.ToolResult{Status: contractx.ResultSuccess}, time.Now())
	if err != nil {
		t.Fatalf("RecordToolResult() error = %v", err)
	}
	if r.Status != contractx.RunPending {
		t.Fatalf("recording a result changed run status to %s", r.Status)
	}
	if r.Steps[0].Result == nil || r.Steps[0].FinishedAt == nil {
		t.Fatalf("step result not recorded: %+v", r.Steps[0])
	}
}

func TestFinalizeIsNoOpUntilAllStepsResulted(t *testing.T) {
	t.Parallel()

	now := time.Now()
	r := Create("sess-1", "user-1", "go", planOf("s1", "s2", "s3"), now)
	r, _ = RecordToolResult(r, "s1", contractx.ToolResult{Status: contractx.ResultSuccess}, now)
	r, _ = RecordToolResult(r, "s2", contractx.ToolResult{Status: contractx.ResultSuccess}, now)

	unfinished := Finalize(r, now)
	if unfinished.Status != r.Status {
		t.Fatalf("Finalize() with 2 of 3 results changed status to %s", unfinished.Status)
	}

	r, _ = RecordToolResult(r, "s3", contractx.ToolResult{Status: contractx.ResultFailed, Error: "boom"}, now)
	finished := Finalize(r, now)
	if finished.Status != contractx.RunPartialSuccess {
		t.Fatalf("Finalize() status = %s, want partial_success", finished.Status)
	}
	if finished.CompletedAt == nil {
		t.Fatal("Finalize() did not set CompletedAt")
	}
}

func TestFinalizeAggregation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		statuses []contractx.ResultStatus
		want     contractx.RunStatus
	}{
		{"all success", []contractx.ResultStatus{contractx.ResultSuccess, contractx.ResultSuccess}, contractx.RunSuccess},
		{"all failed", []contractx.ResultStatus{contractx.ResultFailed, contractx.ResultFailed}, contractx.RunFailed},
		{"mixed", []contractx.ResultStatus{contractx.ResultSuccess, contractx.ResultFailed}, contractx.RunPartialSuccess},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			now := time.Now()
			ids := make([]string, len(tc.statuses))
			for i := range tc.statuses {
				ids[i] = "s" + string(rune('1'+i))
			}
			r := Create("sess-1", "user-1", "go", planOf(ids...), now)
			for i, st := range tc.statuses {
				r, _ = RecordToolResult(r, ids[i], contractx.ToolResult{Status: st}, now)
			}
			if got := Finalize(r, now).Status; got != tc.want {
				t.Fatalf("Finalize() status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestFinalizeIsForwardOnly(t *testing.T) {
	t.Parallel()

	now := time.Now()
	r := Create("sess-1", "user-1", "go", planOf("s1"), now)
	r, _ = RecordToolResult(r, "s1", contractx.ToolResult{Status: contractx.ResultSuccess}, now)
	r = Finalize(r, now)

	again := Finalize(r, now.Add(time.Minute))
	if again.Status != r.Status || !again.CompletedAt.Equal(*r.CompletedAt) {
		t.Fatal("Finalize() on a terminal run changed it")
	}
}

func TestResultsIndexesByStepID(t *testing.T) {
	t.Parallel()

	now := time.Now()
	r := Create("sess-1", "user-1", "go", planOf("s1", "s2"), now)
	r, _ = RecordToolResult(r, "s1", contractx.ToolResult{Status: contractx.ResultSuccess, Data: map[string]any{"id": "1"}}, now)

	results := Results(r)
	if len(results) != 1 {
		t.Fatalf("Results() len = %d, want 1", len(results))
	}
	if results["s1"] == nil || results["s2"] != nil {
		t.Fatalf("Results() keyed wrong: %v", results)
	}
}
