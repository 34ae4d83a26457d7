// Package dispatch hands a ready tool call to the external connector
// platform and normalizes its heterogeneous success/failure shapes into one
// ToolResult. Execution failures never propagate as errors past this
// boundary, so a single tool failure cannot abort the surrounding run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
	registryx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/registry"
	nangox "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/pkg/nango"
)

// Connector is the slice of the platform client the dispatcher needs.
type Connector interface {
	TriggerAction(ctx context.Context, providerConfigKey, connectionID, action string, input map[string]any) (map[string]any, error)
}

var _ Connector = (*nangox.Client)(nil)

type Dispatcher struct {
	registry    *registryx.Registry
	connections contractx.ConnectionStore
	connector   Connector
}

var _ contractx.Dispatcher = (*Dispatcher)(nil)

func New(reg *registryx.Registry, connections contractx.ConnectionStore, connector Connector) (*Dispatcher, error) {
	if reg == nil {
		return nil, errors.New("tool registry is required")
	}
	if connections == nil {
		return nil, errors.New("connection store is required")
	}
	if connector == nil {
		return nil, errors.New("connector client is required")
	}
	return &Dispatcher{registry: reg, connections: connections, connector: connector}, nil
}

// ExecuteTool resolves the provider binding and connection identity, invokes
// the connector, and normalizes the outcome. The error return carries only
// pre-dispatch conditions: ErrConfiguration (operator must fix the tool
// config) and ErrNoActiveConnection (user must re-authenticate).
func (d *Dispatcher) ExecuteTool(ctx context.Context, call contractx.ToolCall) (contractx.ToolResult, error) {
	def, ok := d.registry.Get(call.Name)
	if !ok {
		return contractx.ToolResult{}, fmt.Errorf("%w: tool %s is not registered", contractx.ErrConfiguration, call.Name)
	}
	providerKey := strings.TrimSpace(def.ProviderConfigKey)
	if providerKey == "" {
		return contractx.ToolResult{}, fmt.Errorf("%w: tool %s has no provider binding", contractx.ErrConfiguration, call.Name)
	}

	connectionID, err := d.connections.ActiveConnection(ctx, call.UserID)
	if err != nil {
		if errors.Is(err, contractx.ErrNoActiveConnection) {
			return contractx.ToolResult{}, err
		}
		return contractx.ToolResult{}, fmt.Errorf("%w: %v", contractx.ErrNoActiveConnection, err)
	}

	payload := shapePayload(def, call.Arguments)
	raw, err := d.connector.TriggerAction(ctx, providerKey, connectionID, call.Name, payload)
	if err != nil {
		// The external call failed; record it on the step, don't throw.
		log.Warn().Err(err).
			Str("tool", call.Name).
			Str("session_id", call.SessionID).
			Msg("connector call failed")
		return failedResult(call.Name, raw, err.Error()), nil
	}

	return normalize(call.Name, raw), nil
}

// shapePayload applies tool-specific argument shaping before the connector
// call. Connector actions for list-valued mail fields and CRM lookups expect
// a slightly different envelope than the model emits.
func shapePayload(def *registryx.Definition, args map[string]any) map[string]any {
	payload := make(map[string]any, len(args))
	for k, v := range args {
		payload[k] = v
	}

	switch def.Category {
	case "email":
		// Recipient fields arrive as comma-joined strings from the model;
		// the mail actions take lists.
		for _, field := range []string{"to", "cc", "bcc"} {
			if s, ok := payload[field].(string); ok && s != "" {
				parts := strings.Split(s, ",")
				list := make([]any, 0, len(parts))
				for _, p := range parts {
					if trimmed := strings.TrimSpace(p); trimmed != "" {
						list = append(list, trimmed)
					}
				}
				payload[field] = list
			}
		}
	case "crm":
		if _, ok := payload["limit"]; !ok {
			payload["limit"] = 50
		}
	}
	return payload
}

// normalize folds the platform's response shapes into one ToolResult:
// explicit success:true or absence of an error marker means success,
// anything else is a failure with the best available error string.
func normalize(toolName string, raw map[string]any) contractx.ToolResult {
	if raw == nil {
		return contractx.ToolResult{Status: contractx.ResultSuccess, ToolName: toolName}
	}

	if success, ok := raw["success"].(bool); ok {
		if success {
			return contractx.ToolResult{
				Status:   contractx.ResultSuccess,
				ToolName: toolName,
				Data:     raw["data"],
			}
		}
		return failedResult(toolName, raw, errorString(raw))
	}

	if _, hasErrors := raw["errors"]; hasErrors {
		return failedResult(toolName, raw, errorString(raw))
	}
	if _, hasError := raw["error"]; hasError {
		return failedResult(toolName, raw, errorString(raw))
	}

	data, ok := raw["data"]
	if !ok {
		data = raw
	}
	return contractx.ToolResult{Status: contractx.ResultSuccess, ToolName: toolName, Data: data}
}

func failedResult(toolName string, raw map[string]any, fallback string) contractx.ToolResult {
	msg := errorString(raw)
	if msg == "" {
		msg = fallback
	}
	if msg == "" {
		msg = "action failed"
	}
	return contractx.ToolResult{
		Status:   contractx.ResultFailed,
		ToolName: toolName,
		Data:     rawData(raw),
		Error:    msg,
	}
}

func rawData(raw map[string]any) any {
	if raw == nil {
		return nil
	}
	return raw["data"]
}

// errorString extracts the most specific human-readable error from the
// response: a non-empty errors list wins over message over error.
func errorString(raw map[string]any) string {
	if raw == nil {
		return ""
	}
	if list, ok := raw["errors"].([]any); ok && len(list) > 0 {
		parts := make([]string, 0, len(list))
		for _, entry := range list {
			switch v := entry.(type) {
			case string:
				parts = append(parts, v)
			case map[string]any:
				if m, ok := v["message"].(string); ok {
					parts = append(parts, m)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	if msg, ok := raw["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	if msg, ok := raw["error"].(string); ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	return ""
}
