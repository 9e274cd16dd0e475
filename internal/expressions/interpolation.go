package expressions

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/taskflow/pkg/schema"
)

// Interpolation markers. A reference looks like ${{ input.customer.email }}.
const (
	refOpen  = "${{"
	refClose = "}}"
)

// Reference roots with special meaning. Any other root is a plain context key.
//   - steps.<id>...  reads context["step_<id>_result"]
//   - trigger...     reads context["triggerEvent"]
//   - context...     reads the whole snapshot
const (
	rootSteps   = "steps"
	rootTrigger = "trigger"
	rootContext = "context"
)

// HasReferences reports whether s contains a ${{...}} reference.
func HasReferences(s string) bool {
	return strings.Contains(s, refOpen)
}

// Render resolves every reference in s against data. When s is exactly one
// reference the referenced value is returned unchanged; otherwise values are
// stringified into the surrounding text.
func Render(s string, data map[string]any) (any, error) {
	if !HasReferences(s) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, refOpen) && strings.HasSuffix(trimmed, refClose) &&
		strings.Count(trimmed, refOpen) == 1 {
		path := strings.TrimSpace(trimmed[len(refOpen) : len(trimmed)-len(refClose)])
		return Lookup(data, path)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, refOpen)
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], refClose)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "unterminated reference in %q", s)
		}
		end += start

		b.WriteString(rest[:start])
		val, err := Lookup(data, strings.TrimSpace(rest[start+len(refOpen):end]))
		if err != nil {
			return nil, err
		}
		b.WriteString(inline(val))
		rest = rest[end+len(refClose):]
	}
	return b.String(), nil
}

// RenderString is Render with the result forced to a string.
func RenderString(s string, data map[string]any) (string, error) {
	v, err := Render(s, data)
	if err != nil {
		return "", err
	}
	return inline(v), nil
}

// ResolveValue walks maps and slices and renders every string in v.
// The input is never modified.
func ResolveValue(v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return Render(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := ResolveValue(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := ResolveValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := Render(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Lookup resolves a dot-delimited reference path against data.
func Lookup(data map[string]any, path string) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "empty reference")
	}

	root, rest, _ := strings.Cut(path, ".")
	var current any
	switch root {
	case rootContext:
		current = data
	case rootTrigger:
		v, ok := data[schema.TriggerEventContextKey]
		if !ok {
			return nil, missingRef(path, root, data)
		}
		current = v
	case rootSteps:
		id, tail, _ := strings.Cut(rest, ".")
		v, ok := data[schema.ResultKey(id)]
		if !ok || id == "" {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"step %q has no result in ${{%s}}", id, path).
				WithDetails(map[string]any{"reference": path})
		}
		current, rest = v, tail
	default:
		v, ok := data[root]
		if !ok {
			return nil, missingRef(path, root, data)
		}
		current = v
	}

	if rest == "" {
		return current, nil
	}
	return traversePath(current, rest, path)
}

// traversePath navigates nested maps and slices; numeric segments index slices.
func traversePath(root any, path, ref string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"empty segment in %q at position %d", ref, i).
				WithDetails(map[string]any{"reference": ref})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, missingRef(ref, seg, v)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
					"index %q out of range in %q (len %d)", seg, ref, len(v)).
					WithDetails(map[string]any{"reference": ref})
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"reference": ref})
		}
	}
	return current, nil
}

func missingRef(ref, field string, scope map[string]any) *schema.FlowError {
	available := slices.Sorted(maps.Keys(scope))
	return schema.NewErrorf(schema.ErrCodeStepFailed,
		"field %q not found in ${{%s}}; available: [%s]", field, ref, strings.Join(available, ", ")).
		WithDetails(map[string]any{"reference": ref, "available_fields": available})
}

// inline converts a resolved value to its textual form. Composite values are
// JSON-encoded.
func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
