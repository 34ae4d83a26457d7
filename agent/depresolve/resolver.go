// Package depresolve rewrites dependency placeholders inside a step's
// arguments using the results of previously completed steps. Placeholders
// are parsed once at plan-acceptance time into tagged references; resolution
// is pure and idempotent.
package depresolve

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
)

var (
	// ErrUnresolved marks a reference whose step has not completed yet or
	// whose result lacks the referenced path. The dependent step stays
	// blocked; the run is not failed.
	ErrUnresolved = errors.New("dependency unresolved")

	ErrBadPlaceholder = errors.New("malformed dependency placeholder")
)

// placeholderPattern matches a whole-string token {{stepId.result.<path>}}.
var placeholderPattern = regexp.MustCompile(`^\{\{\s*([A-Za-z0-9_\-]+)\.result\.(\S+?)\s*\}\}$`)

// segmentPattern splits one dot-path segment into a field name and optional
// numeric indexes, e.g. records[0] or matrix[1][2].
var segmentPattern = regexp.MustCompile(`^([A-Za-z0-9_\-]+)((?:\[\d+\])*)$`)

type segment struct {
	field   string
	indexes []int
}

// Reference is the tagged form of one placeholder: the step whose result it
// reads and the dot/index path inside that result.
type Reference struct {
	StepID  string
	RawPath string

	segments []segment
}

// location addresses the argument value a reference replaces: a sequence of
// map keys and slice indexes inside the arguments tree.
type locationKey struct {
	key     string
	index   int
	isIndex bool
}

// Binding ties one parsed Reference to its location in the arguments tree.
type Binding struct {
	Ref      Reference
	location []locationKey
}

// Bindings is every dependency reference found in one step's arguments.
type Bindings []Binding

func (b Bindings) Empty() bool { return len(b) == 0 }

// DependsOn returns the distinct step ids this set of bindings reads from.
func (b Bindings) DependsOn() []string {
	seen := make(map[string]struct{}, len(b))
	ids := make([]string, 0, len(b))
	for _, binding := range b {
		if _, ok := seen[binding.Ref.StepID]; ok {
			continue
		}
		seen[binding.Ref.StepID] = struct{}{}
		ids = append(ids, binding.Ref.StepID)
	}
	return ids
}

// Parse walks the arguments tree once and extracts every whole-string
// placeholder into a tagged Binding. It returns ErrBadPlaceholder when a
// token looks like a placeholder but cannot be parsed.
func Parse(args map[string]any) (Bindings, error) {
	var out Bindings
	if err := walk(args, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func walk(value any, at []locationKey, out *Bindings) error {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			loc := append(append([]locationKey{}, at...), locationKey{key: key})
			if err := walk(child, loc, out); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range v {
			loc := append(append([]locationKey{}, at...), locationKey{index: i, isIndex: true})
			if err := walk(child, loc, out); err != nil {
				return err
			}
		}
	case string:
		trimmed := strings.TrimSpace(v)
		if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
			return nil
		}
		ref, err := parseReference(trimmed)
		if err != nil {
			return err
		}
		*out = append(*out, Binding{Ref: ref, location: at})
	}
	return nil
}

func parseReference(token string) (Reference, error) {
	m := placeholderPattern.FindStringSubmatch(token)
	if m == nil {
		return Reference{}, fmt.Errorf("%w: %q", ErrBadPlaceholder, token)
	}
	ref := Reference{StepID: m[1], RawPath: m[2]}
	for _, part := range strings.Split(m[2], ".") {
		sm := segmentPattern.FindStringSubmatch(part)
		if sm == nil {
			return Reference{}, fmt.Errorf("%w: bad path segment %q in %q", ErrBadPlaceholder, part, token)
		}
		seg := segment{field: sm[1]}
		for _, idx := range strings.Split(strings.Trim(sm[2], "[]"), "][") {
			if idx == "" {
				continue
			}
			n, err := strconv.Atoi(idx)
			if err != nil {
				return Reference{}, fmt.Errorf("%w: bad index %q in %q", ErrBadPlaceholder, idx, token)
			}
			seg.indexes = append(seg.indexes, n)
		}
		ref.segments = append(ref.segments, seg)
	}
	return ref, nil
}

// Resolve returns a new arguments tree with every binding replaced by the
// value stored at its reference path. The input is never mutated. If any
// reference points at a step without a result, or at a missing path, Resolve
// fails with ErrUnresolved and the caller keeps the step blocked.
func Resolve(args map[string]any, bindings Bindings, results map[string]*contractx.ToolResult) (map[string]any, error) {
	resolved, ok := clone(args).(map[string]any)
	if !ok {
		resolved = map[string]any{}
	}
	for _, binding := range bindings {
		res := results[binding.Ref.StepID]
		if res == nil {
			return nil, fmt.Errorf("%w: step %s has no result", ErrUnresolved, binding.Ref.StepID)
		}
		value, err := traverse(res.Data, binding.Ref)
		if err != nil {
			return nil, err
		}
		if err := setAt(resolved, binding.location, value); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

func traverse(data any, ref Reference) (any, error) {
	current := data
	for _, seg := range ref.segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: step %s path %s is not an object at %q", ErrUnresolved, ref.StepID, ref.RawPath, seg.field)
		}
		current, ok = obj[seg.field]
		if !ok {
			return nil, fmt.Errorf("%w: step %s result has no field %q", ErrUnresolved, ref.StepID, seg.field)
		}
		for _, idx := range seg.indexes {
			list, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(list) {
				return nil, fmt.Errorf("%w: step %s index %d out of range at %q", ErrUnresolved, ref.StepID, idx, seg.field)
			}
			current = list[idx]
		}
	}
	return current, nil
}

func setAt(root map[string]any, location []locationKey, value any) error {
	if len(location) == 0 {
		return fmt.Errorf("%w: empty binding location", ErrBadPlaceholder)
	}
	var current any = root
	for i, key := range location {
		last := i == len(location)-1
		switch node := current.(type) {
		case map[string]any:
			if key.isIndex {
				return fmt.Errorf("%w: index into object", ErrBadPlaceholder)
			}
			if last {
				node[key.key] = value
				return nil
			}
			current = node[key.key]
		case []any:
			if !key.isIndex || key.index < 0 || key.index >= len(node) {
				return fmt.Errorf("%w: binding location out of range", ErrBadPlaceholder)
			}
			if last {
				node[key.index] = value
				return nil
			}
			current = node[key.index]
		default:
			return fmt.Errorf("%w: binding location does not exist", ErrBadPlaceholder)
		}
	}
	return nil
}

func clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = clone(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = clone(child)
		}
		return out
	default:
		return v
	}
}
