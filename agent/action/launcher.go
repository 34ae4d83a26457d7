// Package action owns the lifecycle of live actions: accepting a generated
// plan, collecting missing parameters, gating execution on user confirmation,
// dispatching ready steps, and driving the session's Run to a terminal
// status. All mutation of action state goes through the Launcher.
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
	depresolvex "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/depresolve"
	registryx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/registry"
	runx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/run"
	sessionx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/session"
)

// defaultMaxParallel bounds concurrent dispatches within one session.
const defaultMaxParallel = 4

// PlanPayload is the payload of a plan_generated event.
type PlanPayload struct {
	PlanID  string                   `json:"plan_id"`
	Actions []contractx.ActiveAction `json:"actions"`
}

// ActionPayload carries a single action snapshot, used by confirmation and
// readiness events.
type ActionPayload struct {
	Action contractx.ActiveAction `json:"action"`
}

// RunCompleteHook is invoked once per run, after the run reaches a terminal
// status. The stream service uses it to regenerate the final narration.
type RunCompleteHook func(ctx context.Context, sess *sessionx.Session, run contractx.Run)

// Launcher converts accepted plans into live actions and executes them. It
// is safe for concurrent use; per-session state lives in the Session.
type Launcher struct {
	registry   *registryx.Registry
	dispatcher contractx.Dispatcher
	sender     contractx.Sender

	archiver      contractx.RunArchiver
	onRunComplete RunCompleteHook
	now           func() time.Time
	maxParallel   int
}

// Option customizes a Launcher.
type Option func(*Launcher)

// WithArchiver persists finalized runs through the given archiver.
func WithArchiver(a contractx.RunArchiver) Option {
	return func(l *Launcher) { l.archiver = a }
}

// WithRunCompleteHook registers the callback fired when a run finalizes.
func WithRunCompleteHook(h RunCompleteHook) Option {
	return func(l *Launcher) { l.onRunComplete = h }
}

// SetRunCompleteHook installs the run-complete callback after construction.
// The stream service is built after the launcher it depends on, so the hook
// is wired in a second step. Call before serving traffic.
func (l *Launcher) SetRunCompleteHook(h RunCompleteHook) {
	l.onRunComplete = h
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Launcher) { l.now = now }
}

// WithMaxParallel bounds concurrent dispatches within one plan.
func WithMaxParallel(n int) Option {
	return func(l *Launcher) {
		if n > 0 {
			l.maxParallel = n
		}
	}
}

func NewLauncher(reg *registryx.Registry, dispatcher contractx.Dispatcher, sender contractx.Sender, opts ...Option) (*Launcher, error) {
	if reg == nil {
		return nil, errors.New("action: registry is required")
	}
	if dispatcher == nil {
		return nil, errors.New("action: dispatcher is required")
	}
	if sender == nil {
		return nil, errors.New("action: sender is required")
	}
	l := &Launcher{
		registry:    reg,
		dispatcher:  dispatcher,
		sender:      sender,
		now:         time.Now,
		maxParallel: defaultMaxParallel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// ProcessActionPlan accepts a generated plan: it replaces the session's
// action state, creates the Run, announces the plan, requests missing
// parameters, and auto-executes the steps that need no confirmation. It
// returns after every step that could dispatch without user input has
// settled.
func (l *Launcher) ProcessActionPlan(ctx context.Context, sess *sessionx.Session, plan contractx.ActionPlan, userInput, messageID string) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", contractx.ErrValidation)
	}
	sess.ResetActions(len(plan.Steps))
	sess.SetRun(runx.Create(sess.ID, sess.UserID, userInput, plan, l.now()))

	type buildFailure struct {
		stepID string
		msg    string
	}
	var failures []buildFailure
	for _, step := range plan.Steps {
		a, bindings, err := l.buildAction(step, messageID)
		if err != nil {
			a = l.failedAction(step, messageID, err.Error())
			failures = append(failures, buildFailure{stepID: step.ID, msg: err.Error()})
		}
		sess.PutAction(a, bindings)
		if err != nil {
			res := contractx.ToolResult{Status: contractx.ResultFailed, ToolName: step.Tool, Error: err.Error()}
			sess.UpdateRun(func(r contractx.Run) contractx.Run {
				out, recErr := runx.RecordToolResult(r, step.ID, res, l.now())
				if recErr != nil {
					return r
				}
				return out
			})
		}
	}

	l.send(sess, contractx.Event{
		Type:      contractx.EventPlanGenerated,
		SessionID: sess.ID,
		MessageID: messageID,
		Payload:   PlanPayload{PlanID: plan.ID, Actions: sess.Actions()},
	})
	for _, f := range failures {
		l.send(sess, contractx.Event{
			Type:      contractx.EventError,
			SessionID: sess.ID,
			MessageID: messageID,
			Payload:   contractx.ErrorPayload{Message: fmt.Sprintf("step %s could not be prepared: %s", f.stepID, f.msg)},
		})
	}

	for _, a := range sess.Actions() {
		switch a.Status {
		case contractx.ActionCollectingParameters:
			l.send(sess, contractx.Event{
				Type:      contractx.EventParameterCollectionRequired,
				SessionID: sess.ID,
				MessageID: messageID,
				Payload:   contractx.ParameterRequest{ActionID: a.ID, ToolName: a.ToolName, Missing: a.MissingParameters},
			})
		case contractx.ActionReady:
			if !l.autoRunnable(sess, a) {
				l.send(sess, contractx.Event{
					Type:      contractx.EventActionConfirmationRequired,
					SessionID: sess.ID,
					MessageID: messageID,
					Payload:   ActionPayload{Action: a},
				})
			}
		}
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("plan_id", plan.ID).
		Int("steps", len(plan.Steps)).
		Msg("action plan accepted")

	l.dispatchEligible(ctx, sess)
	l.finalizeIfDone(ctx, sess)
	return nil
}

// UpdateParameterValue stores one user-supplied parameter value, recomputes
// the missing set, and flips the action to ready when nothing is missing.
// The readiness event fires exactly once, on the transition; repeating a
// value for an already-ready action changes nothing.
func (l *Launcher) UpdateParameterValue(sess *sessionx.Session, actionID, name string, value any) (contractx.ActiveAction, error) {
	current, ok := sess.Action(actionID)
	if !ok {
		return contractx.ActiveAction{}, fmt.Errorf("%w: %s", contractx.ErrNotFound, actionID)
	}
	if current.Status == contractx.ActionExecuting || current.Status.Terminal() {
		return contractx.ActiveAction{}, fmt.Errorf("%w: %s is %s", contractx.ErrNotReady, actionID, current.Status)
	}
	def, found := l.registry.Get(current.ToolName)
	if !found {
		return contractx.ActiveAction{}, fmt.Errorf("%w: %s", registryx.ErrUnknownTool, current.ToolName)
	}
	if !declaresParam(def, name) {
		return contractx.ActiveAction{}, fmt.Errorf("%w: %s does not declare parameter %q", contractx.ErrValidation, current.ToolName, name)
	}

	wasReady := current.Status == contractx.ActionReady
	updated, _ := sess.Mutate(actionID, func(a *contractx.ActiveAction) {
		if a.Arguments == nil {
			a.Arguments = make(map[string]any)
		}
		if cleared(value) {
			delete(a.Arguments, name)
		} else {
			a.Arguments[name] = value
		}
		for i := range a.Parameters {
			if a.Parameters[i].Name == name {
				a.Parameters[i].CurrentValue = a.Arguments[name]
			}
		}
		a.MissingParameters = l.missingParams(a.ToolName, a.Arguments)
		if len(a.MissingParameters) == 0 {
			a.Status = contractx.ActionReady
		} else {
			a.Status = contractx.ActionCollectingParameters
		}
	})

	switch {
	case updated.Status == contractx.ActionReady && !wasReady:
		l.send(sess, contractx.Event{
			Type:      contractx.EventActionReadyForConfirmation,
			SessionID: sess.ID,
			MessageID: updated.MessageID,
			Payload:   ActionPayload{Action: updated},
		})
	case updated.Status == contractx.ActionCollectingParameters:
		l.send(sess, contractx.Event{
			Type:      contractx.EventParameterCollectionRequired,
			SessionID: sess.ID,
			MessageID: updated.MessageID,
			Payload:   contractx.ParameterRequest{ActionID: updated.ID, ToolName: updated.ToolName, Missing: updated.MissingParameters},
		})
	}
	return updated, nil
}

// ExecuteAction runs one user-confirmed action. Arguments always come from
// the server-side stored action; anything the client sent alongside the
// confirmation is ignored by the gateway before this call. If the action is
// still blocked on a sibling's result it stays ready and dispatches
// automatically once the dependency completes.
func (l *Launcher) ExecuteAction(ctx context.Context, sess *sessionx.Session, actionID string) (contractx.ActiveAction, error) {
	a, ok := sess.Action(actionID)
	if !ok {
		return contractx.ActiveAction{}, fmt.Errorf("%w: %s", contractx.ErrNotFound, actionID)
	}
	switch {
	case a.Status == contractx.ActionCollectingParameters:
		return contractx.ActiveAction{}, fmt.Errorf("%w: missing parameters %v", contractx.ErrNotReady, a.MissingParameters)
	case a.Status == contractx.ActionExecuting || a.Status.Terminal():
		return contractx.ActiveAction{}, fmt.Errorf("%w: %s is %s", contractx.ErrNotReady, actionID, a.Status)
	}
	sess.Confirm(actionID)
	l.tryDispatch(ctx, sess, actionID)
	l.finalizeIfDone(ctx, sess)
	updated, _ := sess.Action(actionID)
	return updated, nil
}

// buildAction validates one plan step against the registry and produces its
// live action plus parsed dependency bindings.
func (l *Launcher) buildAction(step contractx.ActionStep, messageID string) (*contractx.ActiveAction, depresolvex.Bindings, error) {
	def, ok := l.registry.Get(step.Tool)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", registryx.ErrUnknownTool, step.Tool)
	}
	bindings, err := depresolvex.Parse(step.Arguments)
	if err != nil {
		return nil, nil, err
	}
	// Copy the plan's map: the stored action's arguments are mutated by
	// parameter collection and must not alias the plan or the run.
	args := copyArgs(step.Arguments)
	missing := l.missingParams(step.Tool, args)

	params := def.DeclaredParams()
	for i := range params {
		if v, found := args[params[i].Name]; found {
			params[i].CurrentValue = v
		}
	}
	desc := step.Intent
	if desc == "" {
		desc = def.Description
	}
	status := contractx.ActionReady
	if len(missing) > 0 {
		status = contractx.ActionCollectingParameters
	}
	ts := l.now().UTC()
	return &contractx.ActiveAction{
		ID:                step.ID,
		ToolName:          step.Tool,
		Description:       desc,
		Arguments:         args,
		Parameters:        params,
		MissingParameters: missing,
		Status:            status,
		MessageID:         messageID,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}, bindings, nil
}

func (l *Launcher) failedAction(step contractx.ActionStep, messageID, msg string) *contractx.ActiveAction {
	ts := l.now().UTC()
	return &contractx.ActiveAction{
		ID:          step.ID,
		ToolName:    step.Tool,
		Description: step.Intent,
		Arguments:   copyArgs(step.Arguments),
		Status:      contractx.ActionFailed,
		Error:       msg,
		MessageID:   messageID,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}

// missingParams is the union of missing required parameters and the
// smallest unsatisfied one-of group, required names first.
func (l *Launcher) missingParams(tool string, args map[string]any) []string {
	required, err := l.registry.MissingRequired(tool, args)
	if err != nil {
		return nil
	}
	conditional, err := l.registry.MissingConditional(tool, args)
	if err != nil {
		return required
	}
	seen := make(map[string]bool, len(required))
	out := make([]string, 0, len(required)+len(conditional))
	for _, n := range required {
		seen[n] = true
		out = append(out, n)
	}
	for _, n := range conditional {
		if !seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// autoRunnable reports whether a ready action executes without an explicit
// confirmation: either the tool declares no parameters, or the plan consists
// of this single step.
func (l *Launcher) autoRunnable(sess *sessionx.Session, a contractx.ActiveAction) bool {
	return len(a.Parameters) == 0 || sess.PlanLen() == 1
}

// dispatchEligible fans out every ready action that is either auto-runnable
// or already confirmed, bounded by maxParallel, and waits for the batch.
func (l *Launcher) dispatchEligible(ctx context.Context, sess *sessionx.Session) {
	var ids []string
	for _, a := range sess.Actions() {
		if a.Status != contractx.ActionReady {
			continue
		}
		if l.autoRunnable(sess, a) || sess.Confirmed(a.ID) {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.maxParallel)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			l.tryDispatch(gctx, sess, id)
			return nil
		})
	}
	_ = g.Wait()
}

// tryDispatch claims one ready action, resolves its dependency placeholders
// against the run's recorded results, validates the final arguments, and
// dispatches. A still-unresolvable action is released back to ready; it will
// be retried when a sibling completes.
func (l *Launcher) tryDispatch(ctx context.Context, sess *sessionx.Session, actionID string) {
	var claimed bool
	a, ok := sess.Mutate(actionID, func(a *contractx.ActiveAction) {
		if a.Status == contractx.ActionReady {
			a.Status = contractx.ActionExecuting
			claimed = true
		}
	})
	if !ok || !claimed {
		return
	}
	release := func() {
		sess.Mutate(actionID, func(a *contractx.ActiveAction) {
			if a.Status == contractx.ActionExecuting {
				a.Status = contractx.ActionReady
			}
		})
	}

	r, ok := sess.Run()
	if !ok {
		release()
		return
	}
	runID := r.ID
	results := runx.Results(r)
	bindings := sess.Bindings(actionID)
	args, err := depresolvex.Resolve(a.Arguments, bindings, results)
	if err != nil {
		if errors.Is(err, depresolvex.ErrUnresolved) && !dependenciesSettled(bindings, results) {
			release()
			return
		}
		// Dependencies completed but the referenced path does not exist in
		// their results; the step can never run.
		l.completeStep(ctx, sess, runID, actionID, contractx.ToolResult{
			Status:   contractx.ResultFailed,
			ToolName: a.ToolName,
			Error:    err.Error(),
		})
		return
	}
	if err := l.registry.ValidateArguments(a.ToolName, args); err != nil {
		l.completeStep(ctx, sess, runID, actionID, contractx.ToolResult{
			Status:   contractx.ResultFailed,
			ToolName: a.ToolName,
			Error:    err.Error(),
		})
		return
	}

	started, _ := sess.UpdateRun(func(r contractx.Run) contractx.Run {
		out, err := runx.StartToolExecution(r, actionID, l.now())
		if err != nil {
			return r
		}
		return out
	})
	l.sendRunUpdate(sess, started)

	result, err := l.dispatcher.ExecuteTool(ctx, contractx.ToolCall{
		ID:        actionID,
		Name:      a.ToolName,
		Arguments: args,
		SessionID: sess.ID,
		UserID:    sess.UserID,
	})
	if err != nil {
		log.Warn().Err(err).
			Str("session_id", sess.ID).
			Str("action_id", actionID).
			Str("tool", a.ToolName).
			Msg("tool dispatch refused")
		result = contractx.ToolResult{Status: contractx.ResultFailed, ToolName: a.ToolName, Error: err.Error()}
		l.send(sess, contractx.Event{
			Type:      contractx.EventError,
			SessionID: sess.ID,
			MessageID: a.MessageID,
			Payload:   contractx.ErrorPayload{Message: fmt.Sprintf("%s could not run: %s", a.ToolName, err.Error())},
		})
	}
	l.completeStep(ctx, sess, runID, actionID, result)
}

// completeStep records one result on both the action and the run, then
// either finalizes the run or retries dependents the result may have
// unblocked. Results belonging to a run the session has since replaced are
// dropped: a later plan reuses step ids, and a stale completion must not
// settle a step it never executed.
func (l *Launcher) completeStep(ctx context.Context, sess *sessionx.Session, runID, actionID string, result contractx.ToolResult) {
	if current, ok := sess.Run(); !ok || current.ID != runID {
		log.Warn().
			Str("session_id", sess.ID).
			Str("action_id", actionID).
			Str("run_id", runID).
			Msg("dropping step result for a replaced run")
		return
	}

	status := contractx.ActionCompleted
	if result.Status != contractx.ResultSuccess {
		status = contractx.ActionFailed
	}
	sess.Mutate(actionID, func(a *contractx.ActiveAction) {
		a.Status = status
		res := result
		a.Result = &res
		a.Error = result.Error
	})

	updated, ok := sess.UpdateRun(func(r contractx.Run) contractx.Run {
		if r.ID != runID {
			return r
		}
		out, err := runx.RecordToolResult(r, actionID, result, l.now())
		if err != nil {
			return r
		}
		return runx.Finalize(out, l.now())
	})
	if !ok || updated.ID != runID {
		return
	}
	l.sendRunUpdate(sess, updated)

	if updated.Status.Terminal() {
		l.onFinalized(ctx, sess, updated)
		return
	}
	l.dispatchEligible(ctx, sess)
}

// finalizeIfDone settles runs whose every step already carries a result,
// covering plans where no dispatch ever happened (for example when every
// step failed registry validation up front).
func (l *Launcher) finalizeIfDone(ctx context.Context, sess *sessionx.Session) {
	r, ok := sess.Run()
	if !ok || r.Status.Terminal() || !runx.Finalized(r) {
		return
	}
	updated, _ := sess.UpdateRun(func(r contractx.Run) contractx.Run {
		return runx.Finalize(r, l.now())
	})
	if updated.Status.Terminal() {
		l.sendRunUpdate(sess, updated)
		l.onFinalized(ctx, sess, updated)
	}
}

func (l *Launcher) onFinalized(ctx context.Context, sess *sessionx.Session, r contractx.Run) {
	log.Info().
		Str("session_id", sess.ID).
		Str("run_id", r.ID).
		Str("status", string(r.Status)).
		Msg("run finalized")
	if l.archiver != nil {
		if err := l.archiver.SaveRun(ctx, r); err != nil {
			log.Error().Err(err).Str("run_id", r.ID).Msg("run archive failed")
		}
		entry := map[string]any{"type": "run_finalized", "run_id": r.ID, "status": string(r.Status)}
		if err := l.archiver.AppendRunEvent(ctx, sess.ID, entry); err != nil {
			log.Error().Err(err).Str("run_id", r.ID).Msg("run event append failed")
		}
	}
	if l.onRunComplete != nil {
		l.onRunComplete(ctx, sess, r)
	}
}

func (l *Launcher) send(sess *sessionx.Session, ev contractx.Event) {
	l.sender.Send(sess.ID, ev)
}

func (l *Launcher) sendRunUpdate(sess *sessionx.Session, r contractx.Run) {
	l.send(sess, contractx.Event{Type: contractx.EventRunUpdated, SessionID: sess.ID, Payload: r})
}

// dependenciesSettled reports whether every step this binding set references
// already carries a result.
func dependenciesSettled(bindings depresolvex.Bindings, results map[string]*contractx.ToolResult) bool {
	for _, stepID := range bindings.DependsOn() {
		if _, ok := results[stepID]; !ok {
			return false
		}
	}
	return true
}

func declaresParam(def *registryx.Definition, name string) bool {
	for _, p := range def.DeclaredParams() {
		if p.Name == name {
			return true
		}
	}
	return false
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func cleared(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
