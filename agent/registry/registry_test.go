package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
)

const testConfig = `
tools:
  - name: fetch_entity
    description: Look up CRM records by entity type.
    provider_config_key: salesforce
    category: crm
    parameters:
      type: object
      properties:
        entity:
          type: string
          description: Entity type, e.g. Account or Contact.
        recordId:
          type: string
          description: Identifier of a single record.
        filter:
          type: string
          description: SOQL-style filter expression.
      required: [entity]
    one_of_required:
      - [recordId]
      - [filter]
  - name: send_email
    description: Send an email on the user's behalf.
    provider_config_key: google-mail
    category: email
    parameters:
      type: object
      properties:
        to:
          type: string
        subject:
          type: string
        body:
          type: string
      required: [to, subject, body]
  - name: refresh_session
    description: Refresh connector session metadata.
    provider_config_key: internal
    category: system
    parameters:
      type: object
      properties: {}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesDefinitions(t *testing.T) {
	t.Parallel()

	reg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	names := reg.Names()
	if len(names) != 3 {
		t.Fatalf("Names() = %v, want 3 tools", names)
	}

	def, ok := reg.Get("fetch_entity")
	if !ok {
		t.Fatal("fetch_entity not registered")
	}
	if def.ProviderConfigKey != "salesforce" || def.Category != "crm" {
		t.Fatalf("unexpected binding: %+v", def)
	}
	if got := def.RequiredParams(); len(got) != 1 || got[0] != "entity" {
		t.Fatalf("RequiredParams() = %v, want [entity]", got)
	}
	if got := def.DeclaredParams(); len(got) != 3 {
		t.Fatalf("DeclaredParams() = %v, want 3", got)
	}
}

func TestLoadRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
tools:
  - name: send_email
    parameters: {type: object}
  - name: send_email
    parameters: {type: object}
`))
	if err == nil {
		t.Fatal("Load() accepted duplicate tool names")
	}
}

func TestMissingRequired(t *testing.T) {
	t.Parallel()

	reg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	missing, err := reg.MissingRequired("send_email", map[string]any{
		"to":      "ada@example.com",
		"subject": "  ",
	})
	if err != nil {
		t.Fatalf("MissingRequired() error = %v", err)
	}
	if len(missing) != 2 || missing[0] != "subject" || missing[1] != "body" {
		t.Fatalf("MissingRequired() = %v, want [subject body]", missing)
	}

	_, err = reg.MissingRequired("no_such_tool", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("MissingRequired() unknown tool error = %v", err)
	}
}

func TestMissingRequiredTreatsPlaceholderAsProvided(t *testing.T) {
	t.Parallel()

	reg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	missing, err := reg.MissingRequired("send_email", map[string]any{
		"to":      "{{step1.result.records[0].Email}}",
		"subject": "hi",
		"body":    "hello",
	})
	if err != nil {
		t.Fatalf("MissingRequired() error = %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("MissingRequired() = %v, want none", missing)
	}
}

func TestMissingConditional(t *testing.T) {
	t.Parallel()

	reg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	missing, err := reg.MissingConditional("fetch_entity", map[string]any{"entity": "Account"})
	if err != nil {
		t.Fatalf("MissingConditional() error = %v", err)
	}
	if len(missing) != 1 {
		t.Fatalf("MissingConditional() = %v, want one group", missing)
	}

	missing, err = reg.MissingConditional("fetch_entity", map[string]any{
		"entity": "Account",
		"filter": "Name = 'Acme'",
	})
	if err != nil {
		t.Fatalf("MissingConditional() error = %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("MissingConditional() = %v, want none when a group is satisfied", missing)
	}
}

func TestValidateArguments(t *testing.T) {
	t.Parallel()

	reg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := reg.ValidateArguments("send_email", map[string]any{
		"to": "ada@example.com", "subject": "hi", "body": "hello",
	}); err != nil {
		t.Fatalf("ValidateArguments() error = %v", err)
	}

	err = reg.ValidateArguments("send_email", map[string]any{"to": 42})
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("ValidateArguments() error = %v, want ErrValidation", err)
	}
}

func TestReloadSwapsDefinitions(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, testConfig)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(`
tools:
  - name: create_event
    description: Create a calendar event.
    provider_config_key: google-calendar
    category: calendar
    parameters:
      type: object
      properties:
        title: {type: string}
      required: [title]
`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if _, ok := reg.Get("send_email"); ok {
		t.Fatal("Reload() kept a removed tool")
	}
	if _, ok := reg.Get("create_event"); !ok {
		t.Fatal("Reload() missed the new tool")
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, testConfig)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("tools: []"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := reg.Reload(); err == nil {
		t.Fatal("Reload() accepted an empty tool set")
	}
	if _, ok := reg.Get("send_email"); !ok {
		t.Fatal("failed reload dropped previous definitions")
	}
}
