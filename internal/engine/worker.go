package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// PoolStats counts the step calls a pool has run.
type PoolStats struct {
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Panicked  int `json:"panicked"`
}

// ErrPoolShutdown is returned when a step is submitted to a closed pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds the number of tool invocations one execution has in
// flight and remembers which steps they belong to. Each run owns its own
// pool, so a wide graph in one execution never starves another.
type WorkerPool struct {
	slots chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	stats    PoolStats
	onPanic  func(step string, recovered any)
}

// NewWorkerPool creates a pool running at most size steps at once.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots:    make(chan struct{}, size),
		done:     make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
}

// OnPanic sets a callback run with the step name and recovered value when a
// step's function panics.
func (p *WorkerPool) OnPanic(fn func(step string, recovered any)) {
	p.mu.Lock()
	p.onPanic = fn
	p.mu.Unlock()
}

// Size returns the concurrency limit.
func (p *WorkerPool) Size() int {
	return cap(p.slots)
}

// Submit runs fn for step on its own goroutine once a slot is free. While the
// pool is full it blocks, giving up when ctx ends or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	if err := p.Reserve(ctx); err != nil {
		return err
	}
	return p.Start(ctx, step, fn)
}

// Reserve takes a slot for a later Start, blocking while the pool is full.
// A reserved slot must be passed to Start or given back with Release.
func (p *WorkerPool) Reserve(ctx context.Context) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}
}

// Release gives back a slot taken by Reserve that will not be started.
func (p *WorkerPool) Release() {
	<-p.slots
}

// Start runs fn for step in a slot already taken by Reserve. On a closed
// pool the slot is released and ErrPoolShutdown returned.
func (p *WorkerPool) Start(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	// Register under the lock so Shutdown's Wait cannot miss this step.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.Release()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.inflight[step] = struct{}{}
	p.stats.InFlight++
	onPanic := p.onPanic
	p.mu.Unlock()

	go p.work(ctx, step, fn, onPanic)
	return nil
}

func (p *WorkerPool) work(ctx context.Context, step string, fn func(ctx context.Context) error, onPanic func(string, any)) {
	var (
		err      error
		panicked bool
	)
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			if onPanic != nil {
				onPanic(step, r)
			}
		}
		p.finish(step, err, panicked)
	}()
	err = fn(ctx)
}

func (p *WorkerPool) finish(step string, err error, panicked bool) {
	p.mu.Lock()
	delete(p.inflight, step)
	p.stats.InFlight--
	switch {
	case panicked:
		p.stats.Panicked++
		p.stats.Failed++
	case err != nil:
		p.stats.Failed++
	default:
		p.stats.Succeeded++
	}
	p.mu.Unlock()

	p.Release()
	p.wg.Done()
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// InFlight returns the sorted names of the steps currently running.
func (p *WorkerPool) InFlight() []string {
	p.mu.Lock()
	names := make([]string, 0, len(p.inflight))
	for name := range p.inflight {
		names = append(names, name)
	}
	p.mu.Unlock()
	sort.Strings(names)
	return names
}

// Wait blocks until every submitted step has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses further submissions and waits for running steps.
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

// Stats returns a snapshot of the pool's counters.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
