// Package registry loads declarative tool definitions and exposes the schema
// lookups every other component depends on: required parameters, compiled
// JSON Schema validation, and provider bindings.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
)

var ErrUnknownTool = errors.New("unknown tool")

// Definition is one declarative tool record. Parameters is a JSON Schema
// object; OneOfRequired holds conditional parameter groups of which at least
// one must be fully present (business rules like "either an identifier or a
// filter").
type Definition struct {
	Name              string         `yaml:"name"`
	Description       string         `yaml:"description"`
	Parameters        map[string]any `yaml:"parameters"`
	ProviderConfigKey string         `yaml:"provider_config_key"`
	Category          string         `yaml:"category"`
	OneOfRequired     [][]string     `yaml:"one_of_required,omitempty"`

	required []string
	params   []contractx.Parameter
	compiled *jsonschema.Schema
}

// RequiredParams returns the names the schema declares required.
func (d *Definition) RequiredParams() []string {
	out := make([]string, len(d.required))
	copy(out, d.required)
	return out
}

// DeclaredParams returns the full declared parameter list with type, hint,
// and required flag, the shape the launcher projects into ActiveAction.
func (d *Definition) DeclaredParams() []contractx.Parameter {
	out := make([]contractx.Parameter, len(d.params))
	copy(out, d.params)
	return out
}

type configFile struct {
	Tools []*Definition `yaml:"tools"`
}

// Registry holds the loaded tool definitions. Lookups are safe for
// concurrent use; Reload swaps the whole definition set atomically.
type Registry struct {
	mu   sync.RWMutex
	path string
	defs map[string]*Definition
}

// Load reads and compiles the tool configuration at path.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the configuration file and swaps the definition set. On
// error the previous set stays in effect.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read tool config: %w", err)
	}
	defs, err := parse(raw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	return nil
}

func parse(raw []byte) (map[string]*Definition, error) {
	var cfg configFile
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse tool config: %w", err)
	}
	if len(cfg.Tools) == 0 {
		return nil, errors.New("tool config declares no tools")
	}

	defs := make(map[string]*Definition, len(cfg.Tools))
	for _, def := range cfg.Tools {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, errors.New("tool config entry with empty name")
		}
		if _, exists := defs[name]; exists {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		if def.Parameters == nil {
			def.Parameters = map[string]any{"type": "object"}
		}
		if err := compileDefinition(def); err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		def.Name = name
		defs[name] = def
	}
	return defs, nil
}

func compileDefinition(def *Definition) error {
	schemaJSON, err := json.Marshal(def.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameter schema: %w", err)
	}
	compiled, err := jsonschema.CompileString(def.Name, string(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile parameter schema: %w", err)
	}
	def.compiled = compiled

	def.required = nil
	requiredSet := map[string]bool{}
	if rawRequired, ok := def.Parameters["required"].([]any); ok {
		for _, entry := range rawRequired {
			if name, ok := entry.(string); ok {
				def.required = append(def.required, name)
				requiredSet[name] = true
			}
		}
	}

	def.params = nil
	if props, ok := def.Parameters["properties"].(map[string]any); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			param := contractx.Parameter{Name: name, Type: "string", Required: requiredSet[name]}
			if prop, ok := props[name].(map[string]any); ok {
				if typ, ok := prop["type"].(string); ok {
					param.Type = typ
				}
				if desc, ok := prop["description"].(string); ok {
					param.Hint = desc
				}
			}
			def.params = append(def.params, param)
		}
	}
	return nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the current definition set, sorted by name.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ProviderKey returns the provider binding for a tool. An empty key with
// ok=true means the tool is declared but unbound, which the dispatcher
// treats as a configuration error.
func (r *Registry) ProviderKey(name string) (string, bool) {
	def, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return def.ProviderConfigKey, true
}

// MissingRequired returns the required parameter names absent or empty in
// args. Dependency placeholders count as provided: they are bound, just not
// resolved yet.
func (r *Registry) MissingRequired(name string, args map[string]any) ([]string, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	var missing []string
	for _, param := range def.required {
		if isEmptyValue(args[param]) {
			missing = append(missing, param)
		}
	}
	return missing, nil
}

// MissingConditional evaluates the tool's one-of parameter groups. When no
// group is fully satisfied, it returns the names of the smallest group so
// the clarification request asks for the least input.
func (r *Registry) MissingConditional(name string, args map[string]any) ([]string, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(def.OneOfRequired) == 0 {
		return nil, nil
	}

	var smallest []string
	for _, group := range def.OneOfRequired {
		var missing []string
		for _, param := range group {
			if isEmptyValue(args[param]) {
				missing = append(missing, param)
			}
		}
		if len(missing) == 0 {
			return nil, nil
		}
		if smallest == nil || len(missing) < len(smallest) {
			smallest = missing
		}
	}
	return smallest, nil
}

// ValidateArguments checks args against the tool's compiled parameter
// schema. Violations are wrapped in contract.ErrValidation.
func (r *Registry) ValidateArguments(name string, args map[string]any) error {
	def, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	normalized, err := normalizeForSchema(args)
	if err != nil {
		return fmt.Errorf("%w: %v", contractx.ErrValidation, err)
	}
	if err := def.compiled.Validate(normalized); err != nil {
		return fmt.Errorf("%w: %v", contractx.ErrValidation, err)
	}
	return nil
}

// normalizeForSchema round-trips args through JSON so numeric and nested
// types match what the schema validator expects.
func normalizeForSchema(args map[string]any) (any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isEmptyValue(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(value) == ""
	case []any:
		return len(value) == 0
	case map[string]any:
		return len(value) == 0
	}
	return false
}
