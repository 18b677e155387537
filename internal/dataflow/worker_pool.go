// ============================================================================
// Worker Pool - executors for job producers
// ============================================================================
//
// Package: internal/dataflow
// File: worker_pool.go
// Purpose: Runs the producers of every job on a fixed set of executor goroutines
//
// Lifecycle:
//   1. NewPool(n) - create the pool with n task slots
//   2. Start(k)   - launch k executor goroutines
//   3. Spawn(m)   - reserve m slots at once and enqueue m tasks
//   4. Stop()     - stop executors, fail the tasks still queued
//
// Slots:
//   A job is accepted only when all of its producers fit. Spawn reserves the
//   slots with TryAcquire and never waits, so a full pool rejects the job
//   synchronously with ErrPoolBusy. A slot is released when its task has
//   finished running.
//
// ============================================================================

package dataflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolClosed is returned once the pool has been stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before Start has been called.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolBusy is returned when there are not enough free slots for a job.
	ErrPoolBusy = errors.New("worker pool has no free slots")
)

// Pool runs tasks on a fixed number of executors.
type Pool struct {
	executors []*executor
	taskCh    chan Task
	slots     *semaphore.Weighted
	capacity  int
	stopCh    chan struct{}
	ctx       context.Context // cancelled by Stop
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	mu        sync.Mutex

	observer TaskObserver
	logger   *zap.Logger
}

// NewPool creates a pool holding at most capacity queued or running tasks.
func NewPool(capacity int, logger *zap.Logger) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:      ctx,
		cancel:   cancel,
		taskCh:   make(chan Task, capacity),
		slots:    semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		stopCh:   make(chan struct{}),
		logger:   logger.Named("pool"),
	}
}

// SetObserver installs a hook called after every task. It must be set
// before Start.
func (p *Pool) SetObserver(o TaskObserver) {
	p.mu.Lock()
	p.observer = o
	p.mu.Unlock()
}

// Start launches count executors.
func (p *Pool) Start(count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if count <= 0 {
		return fmt.Errorf("invalid executor count %d", count)
	}

	for i := 0; i < count; i++ {
		e := newExecutor(p.ctx, i, p.taskCh, p.stopCh, p.slots, p.observer, p.logger)
		p.executors = append(p.executors, e)

		p.wg.Add(1)
		go func(e *executor) {
			defer p.wg.Done()
			e.Run()
		}(e)
	}

	p.started = true
	return nil
}

// Spawn reserves n slots and enqueues the tasks built by build. build is only
// called after the reservation succeeded, so a rejected job never creates
// its tasks.
func (p *Pool) Spawn(n int, build func(i int) Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if n > p.capacity || !p.slots.TryAcquire(int64(n)) {
		return ErrPoolBusy
	}

	// taskCh has room for every held slot, so these sends do not block.
	for i := 0; i < n; i++ {
		p.taskCh <- build(i)
	}
	return nil
}

// Stop stops the executors. Running tasks see their context cancelled and
// are waited for; tasks still queued are failed and their handles released.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()
	p.wg.Wait()

	for {
		select {
		case t := <-p.taskCh:
			t.Sink.Fail(ErrPoolClosed)
			t.Sink.Close()
			p.slots.Release(1)
		default:
			return
		}
	}
}

// Wait blocks until every reserved slot is free again or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	if err := p.slots.Acquire(ctx, int64(p.capacity)); err != nil {
		return err
	}
	p.slots.Release(int64(p.capacity))
	return nil
}

// GetWorkerCount returns the number of executors.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.executors)
}

// Capacity returns the number of task slots.
func (p *Pool) Capacity() int { return p.capacity }

// IsStarted reports whether Start has succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
