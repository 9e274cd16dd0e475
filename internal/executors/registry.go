package executors

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/taskflow/pkg/schema"
)

// Request is the data handed to an executor for one step attempt.
// Context is a snapshot; executors never write to the execution context.
type Request struct {
	ExecutionID string
	TemplateID  string
	Step        schema.Step
	Context     map[string]any
	Attempt     int
}

// Executor runs a single step of one kind. The returned value is stored under
// step_<id>_result.
type Executor interface {
	Execute(ctx context.Context, req Request) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// Registry maps step kinds to executors. One executor per kind.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.StepType]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[schema.StepType]Executor),
	}
}

// Register binds an executor to a step kind. Conditional steps are resolved
// by the engine and cannot be registered.
func (r *Registry) Register(kind schema.StepType, exec Executor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	if !kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeUnknownStepType, "unknown step type %q", kind)
	}
	if kind == schema.StepTypeConditional {
		return schema.NewError(schema.ErrCodeValidation, "conditional steps are evaluated by the engine")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %q already registered", kind)
	}
	r.executors[kind] = exec
	return nil
}

// Get returns the executor for kind.
func (r *Registry) Get(kind schema.StepType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType, "no executor registered for step type %q", kind).
			WithDetails(map[string]any{"step_type": string(kind)})
	}
	return exec, nil
}

// Has reports whether an executor is registered for kind.
func (r *Registry) Has(kind schema.StepType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.StepType, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Missing returns the executable kinds that have no executor.
func (r *Registry) Missing() []schema.StepType {
	var missing []schema.StepType
	for _, k := range schema.StepTypes {
		if k != schema.StepTypeConditional && !r.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}
