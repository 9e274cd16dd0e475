package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of worker pool counters. Reserved counts
// attempts running outside the bound through Run.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Reserved  int64 `json:"reserved"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a step is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many step attempts run at once across all executions.
// Run executes outside the bound for the one attempt every execution may
// always have in flight.
type WorkerPool struct {
	size      int
	sem       chan struct{}
	wg        sync.WaitGroup
	active    atomic.Int64
	reserved  atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	// OnPanic receives the recovered value when a task panics.
	OnPanic func(recovered any)
}

// NewWorkerPool creates a pool running at most size tasks concurrently.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size: size,
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit waits for a free slot and runs task on its own goroutine. It blocks
// while the pool is saturated and gives up when ctx ends or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, task func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			p.recoverTask(recover())
			p.active.Add(-1)
			p.completed.Add(1)
			<-p.sem
			p.wg.Done()
		}()
		task(ctx)
	}()
	return nil
}

// Do submits task and waits for it to return.
func (p *WorkerPool) Do(ctx context.Context, task func(ctx context.Context)) error {
	done := make(chan struct{})
	err := p.Submit(ctx, func(ctx context.Context) {
		defer close(done)
		task(ctx)
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Run runs task on the calling goroutine without taking a slot.
func (p *WorkerPool) Run(ctx context.Context, task func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.reserved.Add(1)
	p.mu.Unlock()

	defer func() {
		p.recoverTask(recover())
		p.reserved.Add(-1)
		p.completed.Add(1)
		p.wg.Done()
	}()
	task(ctx)
	return nil
}

func (p *WorkerPool) recoverTask(r any) {
	if r == nil {
		return
	}
	p.panics.Add(1)
	if p.OnPanic != nil {
		p.OnPanic(r)
	}
}

// Wait blocks until every submitted task has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects further submissions and waits for running tasks.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns the current counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.size,
		Active:    p.active.Load(),
		Reserved:  p.reserved.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
