package executors

import (
	"context"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/pkg/schema"
)

// TransformExecutor runs the data-transform kind: a jq query over either the
// whole context snapshot or the value at the "input" reference path.
type TransformExecutor struct {
	jq *expressions.GoJQEngine
}

// NewTransformExecutor creates a data-transform executor.
func NewTransformExecutor(jq *expressions.GoJQEngine) *TransformExecutor {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &TransformExecutor{jq: jq}
}

func (e *TransformExecutor) Execute(ctx context.Context, req Request) (any, error) {
	cfg := req.Step.Configuration
	query := stringParam(cfg, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "data-transform: missing required config 'query'").
			WithStep(req.Step.ID)
	}

	var input any = req.Context
	if path := stringParam(cfg, "input", ""); path != "" {
		v, err := expressions.Lookup(req.Context, path)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(req.Step.ID)
		}
		input = v
	}

	out, err := e.jq.EvaluateValue(ctx, query, input)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(req.Step.ID)
	}
	return out, nil
}
