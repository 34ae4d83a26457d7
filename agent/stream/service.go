// Package stream turns one user message into client events: it runs the
// narration model and the tool-identification model concurrently, streams
// the narration as markdown segments, merges the two candidate sets into a
// single plan, and hands the plan to the action launcher. It also writes the
// final narration once a run completes.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	openaisdk "github.com/openai/openai-go"
	"github.com/rs/zerolog/log"

	actionx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/action"
	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
	promptx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/prompt"
	registryx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/registry"
	runx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/run"
	sessionx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/session"
	openrouterx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/pkg/openrouter"
)

// fallbackAcknowledgement keeps the user informed when the narration stream
// fails but tool identification still produced a plan.
const fallbackAcknowledgement = "Working on your request now."

// Service drives the dual-stream turn pipeline.
type Service struct {
	client   *openaisdk.Client
	cfg      openrouterx.Config
	registry *registryx.Registry
	launcher *actionx.Launcher
	sender   contractx.Sender
	archiver contractx.RunArchiver
	prompts  promptx.PromptSet
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithArchiver persists runs again after the final narration is attached.
func WithArchiver(a contractx.RunArchiver) ServiceOption {
	return func(s *Service) { s.archiver = a }
}

func NewService(client *openaisdk.Client, cfg openrouterx.Config, reg *registryx.Registry, launcher *actionx.Launcher, sender contractx.Sender, opts ...ServiceOption) (*Service, error) {
	if client == nil {
		return nil, errors.New("stream: model client is required")
	}
	if reg == nil {
		return nil, errors.New("stream: registry is required")
	}
	if launcher == nil {
		return nil, errors.New("stream: launcher is required")
	}
	if sender == nil {
		return nil, errors.New("stream: sender is required")
	}
	s := &Service{
		client:   client,
		cfg:      cfg,
		registry: reg,
		launcher: launcher,
		sender:   sender,
		prompts:  promptx.LoadPromptSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type narrationResult struct {
	text       string
	candidates []Candidate
	err        error
}

type identResult struct {
	candidates []Candidate
	err        error
}

// HandleUserMessage processes one conversational turn end to end. The two
// model streams settle independently; a failure on one side never cancels
// the other. Only when both fail does the turn error out.
func (s *Service) HandleUserMessage(ctx context.Context, sess *sessionx.Session, userInput, messageID string) error {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	sess.AppendHistory(contractx.ChatMessage{Role: "user", Content: userInput})

	seg := NewSegmenter(s.sender, sess.ID, messageID)
	defer seg.Dispose()

	var (
		wg    sync.WaitGroup
		narr  narrationResult
		ident identResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		narr = s.streamNarration(ctx, sess, seg)
	}()
	go func() {
		defer wg.Done()
		ident = s.identifyTools(ctx, userInput)
	}()
	wg.Wait()

	if narr.err != nil && ident.err != nil {
		seg.Dispose()
		s.sender.Send(sess.ID, contractx.Event{
			Type:      contractx.EventError,
			SessionID: sess.ID,
			MessageID: messageID,
			Payload:   contractx.ErrorPayload{Message: "the assistant could not process that message, please try again"},
		})
		return fmt.Errorf("%w: both streams failed: narration: %v; tools: %v", contractx.ErrModelInvoke, narr.err, ident.err)
	}
	if narr.err != nil {
		log.Warn().Err(narr.err).Str("session_id", sess.ID).Msg("narration stream failed, continuing with tool stream")
		if narr.text == "" && len(ident.candidates) > 0 {
			seg.Feed(fallbackAcknowledgement + "\n\n")
		}
	}
	if ident.err != nil {
		log.Warn().Err(ident.err).Str("session_id", sess.ID).Msg("tool identification failed, continuing with narration plan")
	}

	merged := mergeCandidates(narr.candidates, ident.candidates)

	seg.Finish()
	s.sender.Send(sess.ID, contractx.Event{
		Type:      contractx.EventStreamEnd,
		SessionID: sess.ID,
		MessageID: messageID,
	})

	if narr.text != "" {
		sess.AppendHistory(contractx.ChatMessage{Role: "assistant", Content: narr.text})
	}
	if len(merged) == 0 {
		return nil
	}
	plan := buildPlan(merged, s.registry)
	return s.launcher.ProcessActionPlan(ctx, sess, plan, userInput, messageID)
}

// streamNarration runs the conversational model with the single plan
// meta-tool, feeding text deltas to the segmenter as they arrive.
func (s *Service) streamNarration(ctx context.Context, sess *sessionx.Session, seg *Segmenter) narrationResult {
	msgs := make([]openaisdk.ChatCompletionMessageParamUnion, 0, 1+len(sess.History()))
	msgs = append(msgs, openaisdk.SystemMessage(s.prompts.Narration))
	for _, m := range sess.History() {
		if m.Role == "assistant" {
			msgs = append(msgs, openaisdk.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openaisdk.UserMessage(m.Content))
		}
	}

	st := s.client.Chat.Completions.NewStreaming(ctx, openaisdk.ChatCompletionNewParams{
		Model:               openaisdk.ChatModel(s.cfg.NarrationModel),
		Messages:            msgs,
		Tools:               []openaisdk.ChatCompletionToolParam{planToolParam()},
		Temperature:         openaisdk.Float(s.cfg.Temperature),
		MaxCompletionTokens: openaisdk.Int(int64(s.cfg.MaxCompletionToken)),
	})
	defer st.Close()

	acc := newCallAccumulator()
	var text strings.Builder
	for st.Next() {
		chunk := st.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			seg.Feed(delta.Content)
		}
		acc.add(delta.ToolCalls)
	}
	if err := st.Err(); err != nil {
		return narrationResult{text: text.String(), err: fmt.Errorf("%w: narration: %v", contractx.ErrModelInvoke, err)}
	}

	var candidates []Candidate
	for _, call := range acc.finished() {
		if call.name != planToolName {
			log.Warn().Str("tool", call.name).Msg("narration model called an unexpected function")
			continue
		}
		steps, err := parsePlanCall(call.args)
		if err != nil {
			return narrationResult{text: text.String(), err: err}
		}
		candidates = append(candidates, steps...)
	}
	return narrationResult{text: text.String(), candidates: candidates}
}

// identifyTools runs the constrained tool model over the bare user input and
// collects the direct function calls it makes.
func (s *Service) identifyTools(ctx context.Context, userInput string) identResult {
	defs := s.registry.Definitions()
	if len(defs) == 0 {
		return identResult{}
	}
	tools := make([]openaisdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openaisdk.ChatCompletionToolParam{
			Function: openaisdk.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openaisdk.String(def.Description),
				Parameters:  openaisdk.FunctionParameters(def.Parameters),
			},
		})
	}

	st := s.client.Chat.Completions.NewStreaming(ctx, openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(s.cfg.ToolModelName()),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(s.prompts.ToolIdentification),
			openaisdk.UserMessage(userInput),
		},
		Tools:               tools,
		Temperature:         openaisdk.Float(0),
		MaxCompletionTokens: openaisdk.Int(int64(s.cfg.MaxCompletionToken)),
	})
	defer st.Close()

	acc := newCallAccumulator()
	for st.Next() {
		chunk := st.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		acc.add(chunk.Choices[0].Delta.ToolCalls)
	}
	if err := st.Err(); err != nil {
		return identResult{err: fmt.Errorf("%w: tool identification: %v", contractx.ErrModelInvoke, err)}
	}

	var candidates []Candidate
	for _, call := range acc.finished() {
		if _, ok := s.registry.Get(call.name); !ok {
			log.Warn().Str("tool", call.name).Msg("tool model called an unregistered function")
			continue
		}
		args := map[string]any{}
		if strings.TrimSpace(call.args) != "" {
			if err := json.Unmarshal([]byte(call.args), &args); err != nil {
				log.Warn().Err(err).Str("tool", call.name).Msg("discarding tool call with malformed arguments")
				continue
			}
		}
		candidates = append(candidates, Candidate{ID: call.id, Tool: call.name, Arguments: args})
	}
	return identResult{candidates: candidates}
}

// SummarizeRun streams the final narration for a finished run, grounded in
// the recorded step outcomes, then stores it on the run. Wired as the
// launcher's run-complete hook.
func (s *Service) SummarizeRun(ctx context.Context, sess *sessionx.Session, r contractx.Run) {
	messageID := uuid.NewString()
	seg := NewSegmenter(s.sender, sess.ID, messageID)
	defer seg.Dispose()

	text, err := s.streamSummary(ctx, r, seg)
	if err != nil {
		log.Warn().Err(err).Str("run_id", r.ID).Msg("run summary stream failed, using outcome fallback")
		text = fallbackSummary(r)
		seg.Feed(text + "\n\n")
	}
	seg.Finish()
	s.sender.Send(sess.ID, contractx.Event{
		Type:      contractx.EventStreamEnd,
		SessionID: sess.ID,
		MessageID: messageID,
	})

	updated, ok := sess.UpdateRun(func(r contractx.Run) contractx.Run {
		return runx.SetAssistantResponse(r, text)
	})
	if !ok {
		return
	}
	sess.AppendHistory(contractx.ChatMessage{Role: "assistant", Content: text})
	if s.archiver != nil {
		if err := s.archiver.SaveRun(ctx, updated); err != nil {
			log.Error().Err(err).Str("run_id", updated.ID).Msg("saving narrated run failed")
		}
	}
}

func (s *Service) streamSummary(ctx context.Context, r contractx.Run, seg *Segmenter) (string, error) {
	st := s.client.Chat.Completions.NewStreaming(ctx, openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(s.cfg.NarrationModel),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(s.prompts.RunSummary),
			openaisdk.UserMessage(renderOutcomes(r)),
		},
		Temperature:         openaisdk.Float(s.cfg.Temperature),
		MaxCompletionTokens: openaisdk.Int(int64(s.cfg.MaxCompletionToken)),
	})
	defer st.Close()

	var text strings.Builder
	for st.Next() {
		chunk := st.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if c := chunk.Choices[0].Delta.Content; c != "" {
			text.WriteString(c)
			seg.Feed(c)
		}
	}
	if err := st.Err(); err != nil {
		return "", fmt.Errorf("%w: run summary: %v", contractx.ErrModelInvoke, err)
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%w: run summary produced no text", contractx.ErrModelInvoke)
	}
	return text.String(), nil
}

// renderOutcomes flattens the run into the grounding block the summary model
// reads.
func renderOutcomes(r contractx.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nOutcomes:\n", r.UserInput)
	for _, step := range r.Steps {
		if step.Result == nil {
			fmt.Fprintf(&b, "- %s: no result recorded\n", step.ToolCall.Name)
			continue
		}
		switch step.Result.Status {
		case contractx.ResultSuccess:
			data, err := json.Marshal(step.Result.Data)
			if err != nil || string(data) == "null" {
				fmt.Fprintf(&b, "- %s: succeeded\n", step.ToolCall.Name)
			} else {
				fmt.Fprintf(&b, "- %s: succeeded with %s\n", step.ToolCall.Name, truncateForPrompt(string(data)))
			}
		default:
			fmt.Fprintf(&b, "- %s: failed (%s)\n", step.ToolCall.Name, step.Result.Error)
		}
	}
	return b.String()
}

// fallbackSummary is the deterministic reply used when the summary model is
// unavailable.
func fallbackSummary(r contractx.Run) string {
	var done, failed []string
	for _, step := range r.Steps {
		name := step.ToolCall.Name
		if step.Result != nil && step.Result.Status == contractx.ResultSuccess {
			done = append(done, name)
		} else {
			failed = append(failed, name)
		}
	}
	var b strings.Builder
	b.WriteString("Here is where things ended up.")
	if len(done) > 0 {
		fmt.Fprintf(&b, " Completed: %s.", strings.Join(done, ", "))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, " Did not complete: %s.", strings.Join(failed, ", "))
	}
	return b.String()
}

const maxPromptResultBytes = 1500

func truncateForPrompt(s string) string {
	if len(s) <= maxPromptResultBytes {
		return s
	}
	return s[:maxPromptResultBytes] + "..."
}

// planToolParam declares the generate_action_plan meta-tool presented to the
// narration model. Its parameter schema mirrors planSchemaJSON.
func planToolParam() openaisdk.ChatCompletionToolParam {
	return openaisdk.ChatCompletionToolParam{
		Function: openaisdk.FunctionDefinitionParam{
			Name:        planToolName,
			Description: openaisdk.String("Hand over the ordered plan of tool invocations needed for the user's request."),
			Parameters: openaisdk.FunctionParameters{
				"type":     "object",
				"required": []string{"steps"},
				"properties": map[string]any{
					"steps": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":     "object",
							"required": []string{"tool"},
							"properties": map[string]any{
								"id":        map[string]any{"type": "string"},
								"intent":    map[string]any{"type": "string"},
								"tool":      map[string]any{"type": "string"},
								"arguments": map[string]any{"type": "object"},
							},
						},
					},
				},
			},
		},
	}
}

// callAccumulator stitches streamed tool-call deltas back together. The API
// interleaves fragments of parallel calls, keyed by index; id and name
// arrive on the first fragment, arguments accumulate across the rest.
type callAccumulator struct {
	order []int64
	calls map[int64]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

type accumulatedCall struct {
	id   string
	name string
	args string
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{calls: make(map[int64]*partialCall)}
}

func (a *callAccumulator) add(deltas []openaisdk.ChatCompletionChunkChoiceDeltaToolCall) {
	for _, d := range deltas {
		p, ok := a.calls[d.Index]
		if !ok {
			p = &partialCall{}
			a.calls[d.Index] = p
			a.order = append(a.order, d.Index)
		}
		if d.ID != "" {
			p.id = d.ID
		}
		if d.Function.Name != "" {
			p.name = d.Function.Name
		}
		if d.Function.Arguments != "" {
			p.args.WriteString(d.Function.Arguments)
		}
	}
}

// finished returns completed calls in first-seen order, dropping fragments
// that never received a function name.
func (a *callAccumulator) finished() []accumulatedCall {
	out := make([]accumulatedCall, 0, len(a.order))
	for _, idx := range a.order {
		p := a.calls[idx]
		if p.name == "" {
			continue
		}
		out = append(out, accumulatedCall{id: p.id, name: p.name, args: p.args.String()})
	}
	return out
}
