package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
	registryx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/registry"
)

const testConfig = `
tools:
  - name: fetch_entity
    description: Look up CRM records.
    provider_config_key: salesforce
    category: crm
    parameters:
      type: object
      properties:
        entity: {type: string}
      required: [entity]
  - name: send_email
    description: Send an email.
    provider_config_key: google-mail
    category: email
    parameters:
      type: object
      properties:
        to: {type: string}
      required: [to]
  - name: unbound_tool
    description: Declared without a provider binding.
    parameters:
      type: object
`

func testRegistry(t *testing.T) *registryx.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	reg, err := registryx.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return reg
}

type stubConnections struct {
	connectionID string
	err          error
}

func (s stubConnections) ActiveConnection(context.Context, string) (string, error) {
	return s.connectionID, s.err
}

type stubConnector struct {
	response map[string]any
	err      error

	gotProviderKey  string
	gotConnectionID string
	gotAction       string
	gotInput        map[string]any
}

func (s *stubConnector) TriggerAction(_ context.Context, providerKey, connectionID, action string, input map[string]any) (map[string]any, error) {
	s.gotProviderKey = providerKey
	s.gotConnectionID = connectionID
	s.gotAction = action
	s.gotInput = input
	return s.response, s.err
}

func newDispatcher(t *testing.T, conns stubConnections, conn *stubConnector) *Dispatcher {
	t.Helper()
	d, err := New(testRegistry(t), conns, conn)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func call(name string) contractx.ToolCall {
	return contractx.ToolCall{
		ID:        "step1",
		Name:      name,
		Arguments: map[string]any{"entity": "Account"},
		SessionID: "sess-1",
		UserID:    "user-1",
	}
}

func TestExecuteToolSuccess(t *testing.T) {
	t.Parallel()

	conn := &stubConnector{response: map[string]any{
		"success": true,
		"data":    map[string]any{"records": []any{}},
	}}
	d := newDispatcher(t, stubConnections{connectionID: "conn-1"}, conn)

	result, err := d.ExecuteTool(context.Background(), call("fetch_entity"))
	if err != nil {
		t.Fatalf("ExecuteTool() error = %v", err)
	}
	if result.Status != contractx.ResultSuccess || result.ToolName != "fetch_entity" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if conn.gotProviderKey != "salesforce" || conn.gotConnectionID != "conn-1" || conn.gotAction != "fetch_entity" {
		t.Fatalf("connector invoked with %q %q %q", conn.gotProviderKey, conn.gotConnectionID, conn.gotAction)
	}
}

func TestExecuteToolUnknownToolIsConfigurationError(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, stubConnections{connectionID: "conn-1"}, &stubConnector{})
	_, err := d.ExecuteTool(context.Background(), call("no_such_tool"))
	if !errors.Is(err, contractx.ErrConfiguration) {
		t.Fatalf("ExecuteTool() error = %v, want ErrConfiguration", err)
	}
}

func TestExecuteToolMissingBindingIsConfigurationError(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, stubConnections{connectionID: "conn-1"}, &stubConnector{})
	_, err := d.ExecuteTool(context.Background(), call("unbound_tool"))
	if !errors.Is(err, contractx.ErrConfiguration) {
		t.Fatalf("ExecuteTool() error = %v, want ErrConfiguration", err)
	}
}

func TestExecuteToolNoActiveConnection(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, stubConnections{err: contractx.ErrNoActiveConnection}, &stubConnector{})
	_, err := d.ExecuteTool(context.Background(), call("fetch_entity"))
	if !errors.Is(err, contractx.ErrNoActiveConnection) {
		t.Fatalf("ExecuteTool() error = %v, want ErrNoActiveConnection", err)
	}
}

func TestExecuteToolConnectorErrorBecomesFailedResult(t *testing.T) {
	t.Parallel()

	conn := &stubConnector{err: errors.New("upstream exploded")}
	d := newDispatcher(t, stubConnections{connectionID: "conn-1"}, conn)

	result, err := d.ExecuteTool(context.Background(), call("fetch_entity"))
	if err != nil {
		t.Fatalf("ExecuteTool() must not propagate execution failures, got %v", err)
	}
	if result.Status != contractx.ResultFailed || result.Error == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecuteToolNormalizesFailureShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		response  map[string]any
		wantError string
	}{
		{
			"success false with errors list",
			map[string]any{"success": false, "errors": []any{"quota exceeded", "retry later"}},
			"quota exceeded; retry later",
		},
		{
			"success false with message",
			map[string]any{"success": false, "message": "record not found"},
			"record not found",
		},
		{
			"error object list",
			map[string]any{"errors": []any{map[string]any{"message": "invalid field"}}},
			"invalid field",
		},
		{
			"bare error string",
			map[string]any{"error": "forbidden"},
			"forbidden",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d := newDispatcher(t, stubConnections{connectionID: "conn-1"}, &stubConnector{response: tc.response})
			result, err := d.ExecuteTool(context.Background(), call("fetch_entity"))
			if err != nil {
				t.Fatalf("ExecuteTool() error = %v", err)
			}
			if result.Status != contractx.ResultFailed {
				t.Fatalf("result status = %s, want failed", result.Status)
			}
			if result.Error != tc.wantError {
				t.Fatalf("result error = %q, want %q", result.Error, tc.wantError)
			}
		})
	}
}

func TestExecuteToolShapesEmailRecipients(t *testing.T) {
	t.Parallel()

	conn := &stubConnector{response: map[string]any{"success": true}}
	d := newDispatcher(t, stubConnections{connectionID: "conn-1"}, conn)

	tc := contractx.ToolCall{
		ID:        "step1",
		Name:      "send_email",
		Arguments: map[string]any{"to": "ada@example.com, grace@example.com"},
		UserID:    "user-1",
	}
	if _, err := d.ExecuteTool(context.Background(), tc); err != nil {
		t.Fatalf("ExecuteTool() error = %v", err)
	}

	to, ok := conn.gotInput["to"].([]any)
	if !ok || len(to) != 2 || to[0] != "ada@example.com" || to[1] != "grace@example.com" {
		t.Fatalf("recipients not shaped into a list: %#v", conn.gotInput["to"])
	}
}

func TestExecuteToolDefaultsCRMLimit(t *testing.T) {
	t.Parallel()

	conn := &stubConnector{response: map[string]any{"data": map[string]any{}}}
	d := newDispatcher(t, stubConnections{connectionID: "conn-1"}, conn)

	if _, err := d.ExecuteTool(context.Background(), call("fetch_entity")); err != nil {
		t.Fatalf("ExecuteTool() error = %v", err)
	}
	if conn.gotInput["limit"] != 50 {
		t.Fatalf("crm limit = %v, want 50", conn.gotInput["limit"])
	}
}
