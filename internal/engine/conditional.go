package engine

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// BranchResultKey is the field of a conditional step's result naming the taken branch.
const BranchResultKey = "branch"

// evaluateCondition resolves a conditional step. The step result is
// {"branch": name}; the branch also lands on the step record.
func (e *Engine) evaluateCondition(ctx context.Context, step schema.Step, snapshot map[string]any, timeout time.Duration) (any, string, *schema.FlowError) {
	if e.resolver == nil {
		return nil, "", schema.NewError(schema.ErrCodeValidation, "no condition resolver configured").WithStep(step.ID)
	}
	branch, err := e.resolver.Resolve(ctx, step, snapshot)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, "", classifyAttemptError(ctx, step, timeout, err)
	}
	return map[string]any{BranchResultKey: branch}, branch, nil
}

// applyBranch skips the pending steps listed under branches other than the
// taken one. A step listed under the taken branch too is left alone.
func (e *Engine) applyBranch(r *run, step schema.Step, taken string, now time.Time) []lifecycleEvent {
	cfg := schema.ParseConditionalConfig(step.Configuration)
	keep := make(map[string]bool, len(cfg.Branches[taken]))
	for _, id := range cfg.Branches[taken] {
		keep[id] = true
	}

	names := make([]string, 0, len(cfg.Branches))
	for name := range cfg.Branches {
		names = append(names, name)
	}
	slices.Sort(names)

	evs := []lifecycleEvent{{
		stepID: step.ID,
		typ:    schema.EventConditionEvaluated,
		payload: map[string]any{
			"expression": cfg.Expression,
			"branch":     taken,
		},
	}}
	for _, name := range names {
		if name == taken {
			continue
		}
		for _, id := range cfg.Branches[name] {
			rec := r.exec.StepRecord(id)
			if keep[id] || rec == nil || rec.Status != schema.StepPending || r.dispatched[id] {
				continue
			}
			if typ, err := transitionStep(rec, schema.StepSkipped, now); err == nil {
				evs = append(evs, lifecycleEvent{stepID: id, typ: typ, payload: skipPayload{Reason: "branch_not_taken"}})
			}
		}
	}
	return evs
}
