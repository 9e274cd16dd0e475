package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/validation"
	"github.com/rendis/taskflow/pkg/schema"
)

const (
	DefaultPoolSize    = 10
	DefaultMaxParallel = 1
	DefaultStepTimeout = 30 * time.Second
)

// ConditionResolver evaluates a conditional step against a snapshot of the
// execution context and names the branch to take.
type ConditionResolver interface {
	Resolve(ctx context.Context, step schema.Step, snapshot map[string]any) (string, error)
}

// Publisher receives every lifecycle event after it is persisted.
type Publisher interface {
	PublishLifecycle(event *store.Event) error
}

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	// PoolSize bounds the step attempts that run beyond the one each
	// execution always has a slot for.
	PoolSize int
	// MaxParallel bounds concurrently running steps within one execution.
	MaxParallel        int
	DefaultStepTimeout time.Duration
	Retry              RetryPolicy
	// CircuitBreaker enables per step kind circuit breaking when set.
	CircuitBreaker *CircuitBreakerConfig
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = DefaultStepTimeout
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}

// Option customizes an Engine.
type Option func(*Engine)

// WithResolver sets the resolver used for conditional steps.
func WithResolver(r ConditionResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithPublisher sets where lifecycle events are published.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine runs executions of workflow templates. Each active execution is
// driven by one runner goroutine, the only writer of its context and step
// history. Each execution has one reserved slot for step attempts; further
// parallel attempts share the worker pool.
type Engine struct {
	store     store.Store
	events    *store.EventLog
	registry  *executors.Registry
	resolver  ConditionResolver
	publisher Publisher
	pool      *WorkerPool
	breakers  *CircuitBreakers
	config    Config
	logger    *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// New creates an engine over s and registry.
func New(s store.Store, registry *executors.Registry, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	rootCtx, rootCancel := context.WithCancel(context.Background())

	e := &Engine{
		store:      s,
		events:     store.NewEventLog(s),
		registry:   registry,
		pool:       NewWorkerPool(cfg.PoolSize),
		config:     cfg,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		runs:       make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("module", "engine"))
	if cfg.CircuitBreaker != nil {
		e.breakers = NewCircuitBreakers(*cfg.CircuitBreaker)
	}
	e.pool.OnPanic = func(r any) {
		e.logger.Error("step worker panicked", slog.Any("panic", r))
	}
	return e
}

// Registry returns the executor registry the engine dispatches to.
func (e *Engine) Registry() *executors.Registry {
	return e.registry
}

// Metrics returns worker pool counters.
func (e *Engine) Metrics() PoolMetrics {
	return e.pool.Metrics()
}

// ExecuteWorkflow creates an execution of templateID for taskID and starts
// running it in the background. It returns the new execution id.
func (e *Engine) ExecuteWorkflow(ctx context.Context, templateID, taskID string, opts schema.ExecuteOptions) (string, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", schema.NewError(schema.ErrCodeCancelled, "engine is shut down")
	}

	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}
	order, err := executionOrder(tpl)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	initial := schema.CloneMap(opts.InitialContext)
	if initial == nil {
		initial = map[string]any{}
	}
	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = schema.TriggeredManually
	}

	exec := &schema.Execution{
		ID:              uuid.NewString(),
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		TaskID:          taskID,
		Status:          schema.ExecutionPending,
		Context:         initial,
		StepHistory:     make([]schema.StepRecord, 0, len(order)),
		TriggeredBy:     triggeredBy,
		UserID:          opts.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, id := range order {
		exec.StepHistory = append(exec.StepHistory, schema.StepRecord{StepID: id, Status: schema.StepPending})
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}
	e.emit(ctx, exec, lifecycleEvent{typ: schema.EventExecutionCreated, payload: map[string]any{
		"task_id":      taskID,
		"triggered_by": triggeredBy,
	}})

	r := e.newRun(exec, tpl, order)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return exec.ID, schema.NewError(schema.ErrCodeCancelled, "engine is shut down")
	}
	e.runs[exec.ID] = r
	e.mu.Unlock()

	logging.LogWith(r.ctx, e.logger).Info("execution created",
		slog.String("task_id", taskID), slog.Int("steps", len(order)))
	go e.drive(r)
	return exec.ID, nil
}

// executionOrder returns the template's cached topological order, computing
// it when the cache is missing or stale.
func executionOrder(tpl *schema.WorkflowTemplate) ([]string, error) {
	if len(tpl.ExecutionOrder) == len(tpl.Steps) {
		return tpl.ExecutionOrder, nil
	}
	g, result := validation.AnalyzeGraph(tpl.Steps)
	if !result.Valid() {
		return nil, result.ToError()
	}
	return g.Order, nil
}

// GetExecution returns the current snapshot of an execution.
func (e *Engine) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// ListExecutions returns execution snapshots matching filter.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*schema.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Events returns the lifecycle events of an execution after sequence since.
func (e *Engine) Events(ctx context.Context, id string, since int64) ([]*store.Event, error) {
	if _, err := e.store.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.events.Events(ctx, id, since)
}

// QueryEvents lists lifecycle events across executions and templates.
func (e *Engine) QueryEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error) {
	return e.store.ListEvents(ctx, filter)
}

// History rebuilds the step records of an execution from its event log.
func (e *Engine) History(ctx context.Context, id string) (map[string]*schema.StepRecord, error) {
	if _, err := e.store.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.events.ReplayStepHistory(ctx, id)
}

// PauseWorkflow asks a running execution to pause. Steps already running
// finish; no further step starts. Use Await to wait for the pause to land.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.runs[id]; ok {
		if r.cancelRequested() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %q is being cancelled", id)
		}
		r.pause.Store(true)
		return nil
	}

	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot pause execution %q in status %s", id, exec.Status)
	}
	// Running without a runner: left behind by a previous process.
	typ, err := transitionExecution(exec, schema.ExecutionPaused, time.Now().UTC())
	if err != nil {
		return err
	}
	return e.persist(ctx, exec, lifecycleEvent{typ: typ})
}

// ResumeWorkflow continues a paused execution. Steps that already completed
// or were skipped are not run again.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return schema.NewError(schema.ErrCodeCancelled, "engine is shut down")
	}
	if r, ok := e.runs[id]; ok {
		// A pause that has not landed yet is simply withdrawn.
		if r.pause.CompareAndSwap(true, false) && !r.shutdown.Load() {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %q is not paused", id)
	}

	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume execution %q in status %s", id, exec.Status)
	}
	tpl, err := e.store.GetTemplate(ctx, exec.TemplateID)
	if err != nil {
		return err
	}
	order, err := executionOrder(tpl)
	if err != nil {
		return err
	}

	typ, err := transitionExecution(exec, schema.ExecutionRunning, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := e.persist(ctx, exec, lifecycleEvent{typ: typ}); err != nil {
		return err
	}

	r := e.newRun(exec, tpl, order)
	e.runs[id] = r
	logging.LogWith(r.ctx, e.logger).Info("execution resumed")
	go e.drive(r)
	return nil
}

// CancelWorkflow stops an execution. Steps already running finish and their
// results are recorded; every step not yet started is marked skipped.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) error {
	e.mu.Lock()
	if r, ok := e.runs[id]; ok {
		r.requestCancel()
		e.mu.Unlock()

		select {
		case <-r.cancelAck:
		case <-r.idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status != schema.ExecutionCancelled {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot cancel execution %q in status %s", id, exec.Status)
		}
		return nil
	}
	defer e.mu.Unlock()

	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	evs, err := cancelExecution(exec, nil, time.Now().UTC())
	if err != nil {
		return err
	}
	logging.LogWith(logging.WithExecution(ctx, exec.ID, exec.TemplateID), e.logger).Info("execution cancelled")
	return e.persist(ctx, exec, evs...)
}

// cancelExecution moves exec to cancelled and skips every pending step not in inflight.
func cancelExecution(exec *schema.Execution, inflight map[string]bool, now time.Time) ([]lifecycleEvent, error) {
	typ, err := transitionExecution(exec, schema.ExecutionCancelled, now)
	if err != nil {
		return nil, err
	}
	evs := []lifecycleEvent{{typ: typ}}
	for i := range exec.StepHistory {
		rec := &exec.StepHistory[i]
		if rec.Status != schema.StepPending || inflight[rec.StepID] {
			continue
		}
		if typ, err := transitionStep(rec, schema.StepSkipped, now); err == nil {
			evs = append(evs, lifecycleEvent{stepID: rec.StepID, typ: typ, payload: skipPayload{Reason: "cancelled"}})
		}
	}
	return evs, nil
}

// Await blocks until the execution is idle (paused or terminal) and returns
// its snapshot. It fails when the runner could not record where the
// execution came to rest.
func (e *Engine) Await(ctx context.Context, id string) (*schema.Execution, error) {
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()

	if r != nil {
		select {
		case <-r.idle:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.finishErr != nil {
			return nil, r.finishErr
		}
	}
	return e.store.GetExecution(ctx, id)
}

// Shutdown stops accepting executions and pauses the active ones at their
// next step boundary. Steps waiting out a retry delay are put back to
// pending. When ctx ends first, running steps are interrupted.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		r.shutdown.Store(true)
		r.pause.Store(true)
		r.closeStop()
		runs = append(runs, r)
	}
	e.mu.Unlock()

	var err error
	for _, r := range runs {
		select {
		case <-r.idle:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
				e.rootCancel()
			}
			<-r.idle
		}
	}
	e.rootCancel()
	e.pool.Shutdown()
	e.logger.Info("engine stopped", slog.Int("interrupted_runs", len(runs)))
	return err
}

// Recover pauses executions a previous process left pending or running.
// Steps they had in flight go back to pending, so ResumeWorkflow runs them
// again. Returns how many executions were paused.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	var orphans []*schema.Execution
	for _, status := range []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionRunning} {
		execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Status: &status})
		if err != nil {
			return 0, err
		}
		orphans = append(orphans, execs...)
	}

	recovered := 0
	for _, exec := range orphans {
		e.mu.Lock()
		_, active := e.runs[exec.ID]
		e.mu.Unlock()
		if active {
			continue
		}

		now := time.Now().UTC()
		var evs []lifecycleEvent
		if exec.Status == schema.ExecutionPending {
			typ, err := transitionExecution(exec, schema.ExecutionRunning, now)
			if err != nil {
				return recovered, err
			}
			evs = append(evs, lifecycleEvent{typ: typ})
		}
		for i := range exec.StepHistory {
			rec := &exec.StepHistory[i]
			if rec.Status == schema.StepRunning || rec.Status == schema.StepRetrying {
				_, _ = transitionStep(rec, schema.StepPending, now)
			}
		}
		typ, err := transitionExecution(exec, schema.ExecutionPaused, now)
		if err != nil {
			return recovered, err
		}
		evs = append(evs, lifecycleEvent{typ: typ, payload: map[string]any{"reason": "recovered"}})
		if err := e.persist(ctx, exec, evs...); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.InfoContext(ctx, "recovered interrupted executions", slog.Int("count", recovered))
	}
	return recovered, nil
}

// lifecycleEvent is an event waiting to be appended after a snapshot save.
type lifecycleEvent struct {
	stepID  string
	typ     string
	payload any
}

type skipPayload struct {
	Reason string `json:"reason"`
}

// persist saves the execution snapshot and then appends and publishes evs.
func (e *Engine) persist(ctx context.Context, exec *schema.Execution, evs ...lifecycleEvent) error {
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		logging.LogWith(logging.WithExecution(ctx, exec.ID, exec.TemplateID), e.logger).
			Error("save execution", slog.Any("error", err))
		return err
	}
	e.emit(ctx, exec, evs...)
	return nil
}

func (e *Engine) emit(ctx context.Context, exec *schema.Execution, evs ...lifecycleEvent) {
	for _, le := range evs {
		if le.typ == "" {
			continue
		}
		ev := &store.Event{
			ExecutionID: exec.ID,
			TemplateID:  exec.TemplateID,
			StepID:      le.stepID,
			Type:        le.typ,
		}
		if err := e.events.Append(ctx, ev, le.payload); err != nil {
			e.logger.ErrorContext(ctx, "append lifecycle event",
				slog.String("execution_id", exec.ID), slog.String("event_type", le.typ), slog.Any("error", err))
			continue
		}
		if e.publisher != nil {
			if err := e.publisher.PublishLifecycle(ev); err != nil {
				e.logger.WarnContext(ctx, "publish lifecycle event",
					slog.String("execution_id", exec.ID), slog.String("event_type", le.typ), slog.Any("error", err))
			}
		}
	}
}
