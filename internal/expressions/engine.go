package expressions

import (
	"context"

	"github.com/rendis/taskflow/pkg/schema"
)

// Engine evaluates an expression against an execution context snapshot.
// Two implementations serve conditional steps (expr, cel); jq serves data-transform.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

func compileError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStepFailed,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
