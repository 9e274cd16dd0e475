package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// run is the in-memory state of one active execution.
type run struct {
	exec   *schema.Execution
	tpl    *schema.WorkflowTemplate
	order  []string
	steps  map[string]schema.Step
	ctx    context.Context
	logger *slog.Logger

	pause    atomic.Bool
	shutdown atomic.Bool

	cancelOnce sync.Once
	cancelCh   chan struct{}
	cancelAck  chan struct{}
	stopOnce   sync.Once
	stop       chan struct{}
	idle       chan struct{}

	// Owned by the runner goroutine.
	updates    chan stepUpdate
	dispatched map[string]bool
	reservedBy string
	failure    *schema.FlowError
	cancelled  bool
	saveErr    error
	unsaved    bool

	// Set before idle closes.
	finishErr error
}

func (e *Engine) newRun(exec *schema.Execution, tpl *schema.WorkflowTemplate, order []string) *run {
	steps := make(map[string]schema.Step, len(tpl.Steps))
	for _, s := range tpl.Steps {
		steps[s.ID] = s
	}
	for _, id := range order {
		if exec.StepRecord(id) == nil {
			exec.StepHistory = append(exec.StepHistory, schema.StepRecord{StepID: id, Status: schema.StepPending})
		}
	}
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}

	ctx := logging.WithExecution(e.rootCtx, exec.ID, exec.TemplateID)
	return &run{
		exec:       exec,
		tpl:        tpl,
		order:      order,
		steps:      steps,
		ctx:        ctx,
		logger:     logging.LogWith(ctx, e.logger),
		cancelCh:   make(chan struct{}),
		cancelAck:  make(chan struct{}),
		stop:       make(chan struct{}),
		idle:       make(chan struct{}),
		updates:    make(chan stepUpdate),
		dispatched: make(map[string]bool),
	}
}

func (r *run) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *run) cancelRequested() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

func (r *run) closeStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) canDispatch() bool {
	return !r.cancelled && r.failure == nil && r.saveErr == nil && !r.pause.Load() && !r.shutdown.Load()
}

type updateKind int

const (
	updateStarted updateKind = iota
	updateRetrying
	updateCompleted
	updateFailed
	updateReset
)

// stepUpdate is sent by a step worker to its execution's runner.
type stepUpdate struct {
	stepID  string
	kind    updateKind
	attempt int
	result  any
	branch  string
	err     *schema.FlowError
	delay   time.Duration
}

func (u stepUpdate) final() bool {
	return u.kind == updateCompleted || u.kind == updateFailed || u.kind == updateReset
}

// drive is the runner loop of one execution.
func (e *Engine) drive(r *run) {
	defer close(r.idle)
	pctx := context.WithoutCancel(r.ctx)

	if r.exec.Status == schema.ExecutionPending {
		typ, err := transitionExecution(r.exec, schema.ExecutionRunning, time.Now().UTC())
		if err == nil {
			e.save(pctx, r, lifecycleEvent{typ: typ})
			r.logger.Info("execution started")
		}
	}

	inflight := 0
	cancelCh := r.cancelCh
	for {
		if cancelCh != nil && r.cancelRequested() {
			e.cancelRun(pctx, r)
			cancelCh = nil
		}

		dispatchable := r.canDispatch()
		if dispatchable {
			for _, id := range e.readySteps(pctx, r) {
				if inflight >= e.config.MaxParallel || r.saveErr != nil {
					break
				}
				e.dispatch(r, r.steps[id])
				inflight++
			}
		}

		if inflight == 0 {
			if e.finish(pctx, r, dispatchable) {
				return
			}
			continue
		}

		select {
		case u := <-r.updates:
			e.apply(pctx, r, u)
			if u.final() {
				inflight--
				delete(r.dispatched, u.stepID)
				if r.reservedBy == u.stepID {
					r.reservedBy = ""
				}
			}
		case <-cancelCh:
			e.cancelRun(pctx, r)
			cancelCh = nil
		}
	}
}

// readySteps skips pending steps whose dependencies were all skipped and
// returns, in execution order, the pending steps whose dependencies are
// settled with at least one completed.
func (e *Engine) readySteps(ctx context.Context, r *run) []string {
	now := time.Now().UTC()
	var skipped []lifecycleEvent
	var ready []string

	for _, id := range r.order {
		rec := r.exec.StepRecord(id)
		if rec == nil || rec.Status != schema.StepPending || r.dispatched[id] {
			continue
		}
		step := r.steps[id]
		if len(step.Dependencies) == 0 {
			ready = append(ready, id)
			continue
		}

		settled, completed := true, false
		for _, dep := range step.Dependencies {
			drec := r.exec.StepRecord(dep)
			if drec == nil {
				settled = false
				break
			}
			switch drec.Status {
			case schema.StepCompleted:
				completed = true
			case schema.StepSkipped:
			default:
				settled = false
			}
		}
		if !settled {
			continue
		}
		if !completed {
			if typ, err := transitionStep(rec, schema.StepSkipped, now); err == nil {
				skipped = append(skipped, lifecycleEvent{stepID: id, typ: typ, payload: skipPayload{Reason: "dependencies_skipped"}})
			}
			continue
		}
		ready = append(ready, id)
	}

	if len(skipped) > 0 {
		r.exec.UpdatedAt = now
		e.save(ctx, r, skipped...)
	}
	return ready
}

// dispatch starts step without blocking the runner. The first step an
// execution has in flight runs on the execution's reserved slot; the others
// wait for a slot in the shared pool.
func (e *Engine) dispatch(r *run, step schema.Step) {
	r.dispatched[step.ID] = true
	snapshot := schema.CloneMap(r.exec.Context)
	prior := 0
	if rec := r.exec.StepRecord(step.ID); rec != nil {
		prior = rec.Attempts
	}
	reserved := r.reservedBy == ""
	if reserved {
		r.reservedBy = step.ID
	}
	go e.runStep(r, step, snapshot, prior, reserved)
}

// runStep runs the attempts of one step, reporting each transition to the
// runner. Each attempt takes its own slot, released before any retry delay.
func (e *Engine) runStep(r *run, step schema.Step, snapshot map[string]any, prior int, reserved bool) {
	maxAttempts := step.RetryCount + 1
	for attempt := 1; ; attempt++ {
		n := prior + attempt
		var (
			result any
			branch string
			ferr   = schema.NewError(schema.ErrCodeStepFailed, "step worker stopped").WithStep(step.ID)
		)
		err := e.withSlot(r, reserved, func() {
			r.updates <- stepUpdate{stepID: step.ID, kind: updateStarted, attempt: n}
			result, branch, ferr = e.attempt(r, step, snapshot, n)
		})
		if err != nil {
			if r.shutdown.Load() {
				r.updates <- stepUpdate{stepID: step.ID, kind: updateReset}
				return
			}
			r.updates <- stepUpdate{stepID: step.ID, kind: updateFailed,
				err: schema.NewErrorf(schema.ErrCodeCancelled, "step not started: %v", err).WithStep(step.ID)}
			return
		}

		if ferr == nil {
			r.updates <- stepUpdate{stepID: step.ID, kind: updateCompleted, attempt: n, result: result, branch: branch}
			return
		}
		if r.shutdown.Load() && schema.IsCode(ferr, schema.ErrCodeCancelled) {
			r.updates <- stepUpdate{stepID: step.ID, kind: updateReset, attempt: n}
			return
		}
		if !ferr.IsRetryable() {
			r.updates <- stepUpdate{stepID: step.ID, kind: updateFailed, attempt: n, err: ferr}
			return
		}
		if attempt >= maxAttempts {
			if maxAttempts > 1 {
				ferr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"step %s failed after %d attempts: %s", step.ID, attempt, ferr.Message).
					WithStep(step.ID).WithCause(ferr).
					WithDetails(map[string]any{"attempts": attempt, "last_error": ferr})
			}
			r.updates <- stepUpdate{stepID: step.ID, kind: updateFailed, attempt: n, err: ferr}
			return
		}

		delay := e.config.Retry.Delay(attempt)
		r.updates <- stepUpdate{stepID: step.ID, kind: updateRetrying, attempt: n, err: ferr, delay: delay}
		if err := waitBackoff(r.ctx, r.stop, delay); err != nil {
			if r.shutdown.Load() {
				r.updates <- stepUpdate{stepID: step.ID, kind: updateReset, attempt: n}
				return
			}
			r.updates <- stepUpdate{stepID: step.ID, kind: updateFailed, attempt: n,
				err: schema.NewError(schema.ErrCodeCancelled, "execution cancelled while waiting to retry").WithStep(step.ID).WithCause(ferr)}
			return
		}
	}
}

// withSlot runs fn on the execution's reserved slot or on a pool slot.
func (e *Engine) withSlot(r *run, reserved bool, fn func()) error {
	task := func(context.Context) { fn() }
	if reserved {
		return e.pool.Run(r.ctx, task)
	}
	return e.pool.Do(r.ctx, task)
}

func (e *Engine) stepTimeout(step schema.Step) time.Duration {
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return e.config.DefaultStepTimeout
}

// attempt runs one attempt of step under its timeout.
func (e *Engine) attempt(r *run, step schema.Step, snapshot map[string]any, n int) (result any, branch string, ferr *schema.FlowError) {
	timeout := e.stepTimeout(step)
	ctx, cancel := context.WithTimeout(logging.WithStepID(r.ctx, step.ID), timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			result, branch = nil, ""
			ferr = schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", p).WithStep(step.ID)
		}
	}()

	if step.Type == schema.StepTypeConditional {
		return e.evaluateCondition(ctx, step, snapshot, timeout)
	}

	exec, err := e.registry.Get(step.Type)
	if err != nil {
		return nil, "", schema.AsFlowError(err, schema.ErrCodeUnknownStepType).WithStep(step.ID)
	}
	if e.breakers != nil {
		if err := e.breakers.Allow(step.Type); err != nil {
			return nil, "", schema.AsFlowError(err, schema.ErrCodeCircuitOpen).WithStep(step.ID)
		}
	}

	out, err := exec.Execute(ctx, executors.Request{
		ExecutionID: r.exec.ID,
		TemplateID:  r.exec.TemplateID,
		Step:        step,
		Context:     snapshot,
		Attempt:     n,
	})
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ctx.Err()
	}
	if err != nil {
		ferr = classifyAttemptError(ctx, step, timeout, err)
		if e.breakers != nil && ferr.IsRetryable() {
			if e.breakers.RecordFailure(step.Type) == CircuitOpen {
				r.logger.Warn("circuit opened", slog.String("step_type", string(step.Type)))
			}
		}
		return nil, "", ferr
	}
	if e.breakers != nil {
		e.breakers.RecordSuccess(step.Type)
	}
	return out, "", nil
}

// classifyAttemptError maps an attempt failure onto the error taxonomy.
func classifyAttemptError(ctx context.Context, step schema.Step, timeout time.Duration, err error) *schema.FlowError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", step.ID, timeout).
			WithStep(step.ID).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewErrorf(schema.ErrCodeCancelled, "step %s interrupted", step.ID).
			WithStep(step.ID).WithCause(err)
	}
	return schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(step.ID)
}

// apply records a worker's update into the execution. Only the runner calls it.
func (e *Engine) apply(ctx context.Context, r *run, u stepUpdate) {
	rec := r.exec.StepRecord(u.stepID)
	if rec == nil {
		return
	}
	now := time.Now().UTC()
	log := r.logger.With(slog.String("step_id", u.stepID))
	var evs []lifecycleEvent

	switch u.kind {
	case updateStarted:
		typ, err := transitionStep(rec, schema.StepRunning, now)
		if err != nil {
			log.Warn("step transition rejected", slog.Any("error", err))
			return
		}
		rec.Attempts = u.attempt
		evs = append(evs, lifecycleEvent{stepID: u.stepID, typ: typ, payload: store.StepEventPayload{Attempt: u.attempt}})
		log.Debug("step started", slog.Int("attempt", u.attempt))

	case updateRetrying:
		typ, err := transitionStep(rec, schema.StepRetrying, now)
		if err != nil {
			return
		}
		rec.Error = u.err
		evs = append(evs, lifecycleEvent{stepID: u.stepID, typ: typ, payload: store.StepEventPayload{
			Attempt: u.attempt, Error: u.err, Delay: u.delay.String(),
		}})
		log.Warn("step attempt failed, retrying",
			slog.Int("attempt", u.attempt), slog.Duration("delay", u.delay), slog.String("error", u.err.Error()))

	case updateCompleted:
		typ, err := transitionStep(rec, schema.StepCompleted, now)
		if err != nil {
			return
		}
		rec.Branch = u.branch
		r.exec.Context[schema.ResultKey(u.stepID)] = u.result
		evs = append(evs, lifecycleEvent{stepID: u.stepID, typ: typ, payload: store.StepEventPayload{
			Attempt: u.attempt, Branch: u.branch,
		}})
		if step := r.steps[u.stepID]; step.Type == schema.StepTypeConditional {
			evs = append(evs, e.applyBranch(r, step, u.branch, now)...)
		}
		log.Debug("step completed", slog.Int("attempt", u.attempt))

	case updateFailed:
		typ, err := transitionStep(rec, schema.StepFailed, now)
		if err != nil {
			return
		}
		rec.Error = u.err
		if u.attempt > rec.Attempts {
			rec.Attempts = u.attempt
		}
		evs = append(evs, lifecycleEvent{stepID: u.stepID, typ: typ, payload: store.StepEventPayload{
			Attempt: rec.Attempts, Error: u.err,
		}})
		if !r.cancelled && r.failure == nil {
			r.failure = u.err
		}
		log.Error("step failed", slog.Int("attempts", rec.Attempts), slog.String("error", u.err.Error()))

	case updateReset:
		if rec.Status == schema.StepPending {
			return
		}
		if _, err := transitionStep(rec, schema.StepPending, now); err != nil {
			return
		}
		log.Info("step interrupted by shutdown")
	}

	r.exec.UpdatedAt = now
	e.save(ctx, r, evs...)
}

// cancelRun records the cancellation of an active execution. Steps in flight
// keep running and report their results; nothing else starts.
func (e *Engine) cancelRun(ctx context.Context, r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	evs, err := cancelExecution(r.exec, r.dispatched, time.Now().UTC())
	if err != nil {
		r.logger.Warn("cancel rejected", slog.Any("error", err))
		return
	}
	r.cancelled = true
	e.save(ctx, r, evs...)
	r.closeStop()
	close(r.cancelAck)
	r.logger.Info("execution cancelled")
}

// finish moves an execution whose steps have all returned to its resting
// status and retires the runner. It returns false, leaving the run active,
// when a pause was withdrawn after the runner found it could not dispatch.
func (e *Engine) finish(ctx context.Context, r *run, dispatchable bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.cancelled {
		delete(e.runs, r.exec.ID)
		if r.unsaved {
			r.finishErr = e.saveFinal(ctx, r)
		}
		return true
	}
	if r.cancelRequested() {
		delete(e.runs, r.exec.ID)
		if evs, err := cancelExecution(r.exec, nil, time.Now().UTC()); err == nil {
			r.cancelled = true
			r.finishErr = e.saveFinal(ctx, r, evs...)
			close(r.cancelAck)
			r.logger.Info("execution cancelled")
		}
		return true
	}

	var pending []string
	for _, id := range r.order {
		if rec := r.exec.StepRecord(id); rec != nil && rec.Status == schema.StepPending {
			pending = append(pending, id)
		}
	}
	if len(pending) > 0 && !dispatchable && r.canDispatch() {
		return false
	}
	delete(e.runs, r.exec.ID)

	if r.failure == nil && r.saveErr != nil {
		r.failure = schema.NewErrorf(schema.ErrCodeStore, "save execution: %v", r.saveErr).WithCause(r.saveErr)
	}

	to := schema.ExecutionCompleted
	var payload any
	switch {
	case r.failure != nil:
		to = schema.ExecutionFailed
		r.exec.Error = r.failure
		payload = map[string]any{"error": r.failure}
	case len(pending) > 0 && (r.pause.Load() || r.shutdown.Load()):
		to = schema.ExecutionPaused
	case len(pending) > 0:
		to = schema.ExecutionFailed
		r.exec.Error = schema.NewErrorf(schema.ErrCodeStepFailed,
			"no runnable steps left; pending: %s", strings.Join(pending, ", ")).
			WithDetails(map[string]any{"pending": slices.Clone(pending)})
		payload = map[string]any{"error": r.exec.Error}
	}

	typ, err := transitionExecution(r.exec, to, time.Now().UTC())
	if err != nil {
		r.logger.Error("finish execution", slog.Any("error", err))
		return true
	}
	if err := e.saveFinal(ctx, r, lifecycleEvent{typ: typ, payload: payload}); err != nil {
		r.finishErr = err
		r.logger.Error("record final status", slog.String("status", string(to)), slog.Any("error", err))
		return true
	}

	switch to {
	case schema.ExecutionFailed:
		r.logger.Error("execution failed", slog.String("error", r.exec.Error.Error()))
	default:
		r.logger.Info(fmt.Sprintf("execution %s", to))
	}
	return true
}

// save persists a transition made by the runner. After a failed save no
// further step starts and the execution fails once its steps return.
func (e *Engine) save(ctx context.Context, r *run, evs ...lifecycleEvent) {
	if err := e.persist(ctx, r.exec, evs...); err != nil {
		r.unsaved = true
		if r.saveErr == nil {
			r.saveErr = err
		}
		return
	}
	r.unsaved = false
}

const finalSaveAttempts = 3

// saveFinal persists the resting snapshot of r, retrying briefly.
func (e *Engine) saveFinal(ctx context.Context, r *run, evs ...lifecycleEvent) error {
	var err error
	for i := 1; i <= finalSaveAttempts; i++ {
		if err = e.persist(ctx, r.exec, evs...); err == nil {
			r.unsaved = false
			return nil
		}
		if i < finalSaveAttempts {
			time.Sleep(time.Duration(i) * 25 * time.Millisecond)
		}
	}
	r.unsaved = true
	return schema.NewErrorf(schema.ErrCodeStore, "record %s status of execution %s: %v",
		r.exec.Status, r.exec.ID, err).WithCause(err)
}
