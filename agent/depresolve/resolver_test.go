package depresolve

import (
	"errors"
	"testing"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
)

func TestParseFindsWholeStringPlaceholders(t *testing.T) {
	t.Parallel()

	args := map[string]any{
		"to":      "{{step1.result.records[0].Email}}",
		"subject": "Quarterly summary",
		"cc":      []any{"{{step2.result.owner.email}}", "ops@example.com"},
	}

	bindings, err := Parse(args)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("Parse() found %d bindings, want 2", len(bindings))
	}

	deps := bindings.DependsOn()
	if len(deps) != 2 {
		t.Fatalf("DependsOn() = %v, want two step ids", deps)
	}
}

func TestParseRejectsMalformedPlaceholder(t *testing.T) {
	t.Parallel()

	_, err := Parse(map[string]any{"to": "{{step1.records[0].Email}}"})
	if !errors.Is(err, ErrBadPlaceholder) {
		t.Fatalf("Parse() error = %v, want ErrBadPlaceholder", err)
	}
}

func TestResolveSubstitutesLiteralValue(t *testing.T) {
	t.Parallel()

	args := map[string]any{
		"to":      "{{step1.result.records[0].Email}}",
		"subject": "hello",
	}
	bindings, err := Parse(args)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	results := map[string]*contractx.ToolResult{
		"step1": {
			Status:   contractx.ResultSuccess,
			ToolName: "fetch_entity",
			Data: map[string]any{
				"records": []any{
					map[string]any{"Email": "ada@example.com"},
				},
			},
		},
	}

	resolved, err := Resolve(args, bindings, results)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved["to"] != "ada@example.com" {
		t.Fatalf("resolved to = %v, want ada@example.com", resolved["to"])
	}
	if resolved["subject"] != "hello" {
		t.Fatalf("unrelated argument changed: %v", resolved["subject"])
	}
	if args["to"] != "{{step1.result.records[0].Email}}" {
		t.Fatal("Resolve() mutated its input")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	args := map[string]any{"id": "{{s.result.id}}"}
	bindings, err := Parse(args)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	results := map[string]*contractx.ToolResult{
		"s": {Status: contractx.ResultSuccess, Data: map[string]any{"id": "r-42"}},
	}

	first, err := Resolve(args, bindings, results)
	if err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	second, err := Resolve(args, bindings, results)
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if first["id"] != second["id"] || first["id"] != "r-42" {
		t.Fatalf("Resolve() not idempotent: %v vs %v", first["id"], second["id"])
	}
}

func TestResolveBeforeDependencyCompletes(t *testing.T) {
	t.Parallel()

	args := map[string]any{"to": "{{step1.result.records[0].Email}}"}
	bindings, err := Parse(args)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	_, err = Resolve(args, bindings, map[string]*contractx.ToolResult{})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("Resolve() error = %v, want ErrUnresolved", err)
	}
}

func TestResolveMissingPath(t *testing.T) {
	t.Parallel()

	args := map[string]any{"to": "{{step1.result.records[3].Email}}"}
	bindings, err := Parse(args)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	results := map[string]*contractx.ToolResult{
		"step1": {Status: contractx.ResultSuccess, Data: map[string]any{"records": []any{}}},
	}

	_, err = Resolve(args, bindings, results)
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("Resolve() error = %v, want ErrUnresolved", err)
	}
}

func TestResolveNestedLocation(t *testing.T) {
	t.Parallel()

	args := map[string]any{
		"filters": map[string]any{
			"accountId": "{{lookup.result.account.id}}",
		},
	}
	bindings, err := Parse(args)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	results := map[string]*contractx.ToolResult{
		"lookup": {Status: contractx.ResultSuccess, Data: map[string]any{
			"account": map[string]any{"id": "acc-7"},
		}},
	}

	resolved, err := Resolve(args, bindings, results)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	filters, _ := resolved["filters"].(map[string]any)
	if filters["accountId"] != "acc-7" {
		t.Fatalf("nested substitution = %v, want acc-7", filters["accountId"])
	}
}
