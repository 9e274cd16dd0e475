package expressions

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rendis/taskflow/pkg/schema"
)

// DefaultLanguage is used when a conditional step does not name one.
const DefaultLanguage = "expr"

// Resolver picks the branch of a conditional step by evaluating its
// expression with the engine named by the step's "language".
type Resolver struct {
	engines map[string]Engine
}

// NewResolver creates a Resolver with the expr and CEL engines registered.
func NewResolver() (*Resolver, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewResolverWith(NewExprEngine(), celEngine), nil
}

// NewResolverWith creates a Resolver over the given engines, keyed by Name().
func NewResolverWith(engines ...Engine) *Resolver {
	r := &Resolver{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// Resolve evaluates the step's expression against snapshot and returns the
// branch name. Booleans map to "true"/"false", strings name a branch directly.
func (r *Resolver) Resolve(ctx context.Context, step schema.Step, snapshot map[string]any) (string, error) {
	cfg := schema.ParseConditionalConfig(step.Configuration)

	lang := cfg.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	engine, ok := r.engines[lang]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported condition language %q", lang).WithStep(step.ID)
	}

	out, err := engine.Evaluate(ctx, cfg.Expression, snapshot)
	if err != nil {
		return "", schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(step.ID)
	}

	branch, err := BranchName(out)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStepFailed,
			"condition %q: %s", cfg.Expression, err.Error()).WithStep(step.ID)
	}
	return branch, nil
}

// BranchName converts an expression result into a branch name.
func BranchName(v any) (string, error) {
	switch val := v.(type) {
	case bool:
		return strconv.FormatBool(val), nil
	case string:
		if val == "" {
			return "", fmt.Errorf("empty branch name")
		}
		return val, nil
	case nil:
		return "false", nil
	default:
		return "", fmt.Errorf("result of type %T cannot select a branch", v)
	}
}
