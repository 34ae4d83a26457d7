package stream

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
	depresolvex "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/depresolve"
	registryx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/registry"
)

// planToolName is the meta-tool the narration model calls to hand over its
// proposed plan.
const planToolName = "generate_action_plan"

// planSchemaJSON gates the meta-tool payload before anything downstream
// trusts it.
const planSchemaJSON = `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tool"],
				"properties": {
					"id": {"type": "string"},
					"intent": {"type": "string"},
					"tool": {"type": "string", "minLength": 1},
					"arguments": {"type": "object"}
				}
			}
		}
	}
}`

var planSchema = jsonschema.MustCompileString("generate_action_plan.json", planSchemaJSON)

// Candidate is one proposed tool invocation, from either stream, before
// merging and registry validation.
type Candidate struct {
	ID        string
	Tool      string
	Intent    string
	Arguments map[string]any
}

// parsePlanCall decodes and validates one generate_action_plan payload into
// candidates, preserving step order.
func parsePlanCall(arguments string) ([]Candidate, error) {
	if arguments == "" {
		arguments = "{}"
	}
	var raw any
	if err := json.Unmarshal([]byte(arguments), &raw); err != nil {
		return nil, fmt.Errorf("%w: plan payload is not JSON: %v", contractx.ErrSchemaViolation, err)
	}
	if err := planSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrSchemaViolation, err)
	}

	var payload struct {
		Steps []struct {
			ID        string         `json:"id"`
			Intent    string         `json:"intent"`
			Tool      string         `json:"tool"`
			Arguments map[string]any `json:"arguments"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(arguments), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrSchemaViolation, err)
	}
	out := make([]Candidate, 0, len(payload.Steps))
	for _, s := range payload.Steps {
		out = append(out, Candidate{ID: s.ID, Tool: s.Tool, Intent: s.Intent, Arguments: s.Arguments})
	}
	return out, nil
}

// mergeCandidates joins the narration plan with the direct tool stream.
// Planned steps win their original order; direct calls that duplicate a
// planned step, by call id or by tool plus identical arguments, are dropped.
func mergeCandidates(planned, direct []Candidate) []Candidate {
	out := make([]Candidate, 0, len(planned)+len(direct))
	seenID := make(map[string]bool)
	seenShape := make(map[string]bool)
	add := func(c Candidate) {
		if c.ID != "" && seenID[c.ID] {
			return
		}
		shape := fingerprint(c)
		if seenShape[shape] {
			return
		}
		if c.ID != "" {
			seenID[c.ID] = true
		}
		seenShape[shape] = true
		out = append(out, c)
	}
	for _, c := range planned {
		add(c)
	}
	for _, c := range direct {
		add(c)
	}
	return out
}

// fingerprint keys a candidate by tool name and canonical arguments.
// json.Marshal sorts map keys, so equal argument maps fingerprint equally.
func fingerprint(c Candidate) string {
	raw, err := json.Marshal(c.Arguments)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", c.Arguments))
	}
	return c.Tool + ":" + string(raw)
}

// buildPlan turns merged candidates into an ActionPlan. Steps whose
// arguments reference a sibling's result are marked conditional. Step ids
// are kept stable when the model supplied them; collisions and blanks get
// positional ids.
func buildPlan(candidates []Candidate, reg *registryx.Registry) contractx.ActionPlan {
	plan := contractx.ActionPlan{ID: uuid.NewString()}
	used := make(map[string]bool, len(candidates))
	for i, c := range candidates {
		id := c.ID
		if id == "" || used[id] {
			id = fmt.Sprintf("step-%d", i+1)
		}
		used[id] = true

		status := contractx.ActionStepReady
		if b, err := depresolvex.Parse(c.Arguments); err == nil && !b.Empty() {
			status = contractx.ActionStepConditional
		}
		var required []string
		if def, ok := reg.Get(c.Tool); ok {
			required = def.RequiredParams()
		}
		plan.Steps = append(plan.Steps, contractx.ActionStep{
			ID:             id,
			Intent:         c.Intent,
			Tool:           c.Tool,
			Arguments:      c.Arguments,
			Status:         status,
			RequiredParams: required,
		})
	}
	return plan
}
