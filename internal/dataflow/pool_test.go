package dataflow

// ============================================================================
// Worker Pool Test File
// Purpose: Verify slot reservation, producer execution and shutdown
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink is a Sink that counts handles and records what is emitted.
type recordingSink struct {
	shared *sinkState
	closed atomic.Bool
}

type sinkState struct {
	mu     sync.Mutex
	items  []any
	errs   []error
	live   int
	clones int
	closes int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{shared: &sinkState{live: 1}}
}

func (s *recordingSink) Send(v any) {
	s.shared.mu.Lock()
	s.shared.items = append(s.shared.items, v)
	s.shared.mu.Unlock()
}

func (s *recordingSink) Clone() Sink {
	s.shared.mu.Lock()
	s.shared.live++
	s.shared.clones++
	s.shared.mu.Unlock()
	return &recordingSink{shared: s.shared}
}

func (s *recordingSink) Fail(err error) {
	s.shared.mu.Lock()
	s.shared.errs = append(s.shared.errs, err)
	s.shared.mu.Unlock()
}

func (s *recordingSink) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.shared.mu.Lock()
	s.shared.live--
	s.shared.closes++
	s.shared.mu.Unlock()
}

func (s *recordingSink) snapshot() (items []any, errs []error, live int) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return append([]any(nil), s.shared.items...), append([]error(nil), s.shared.errs...), s.shared.live
}

// jobFunc adapts a function to Job.
type jobFunc func(ctx context.Context, w WorkerInfo, out Emitter) error

func (f jobFunc) Run(ctx context.Context, w WorkerInfo, out Emitter) error { return f(ctx, w, out) }

func waitIdle(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, nil)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.Equal(t, 10, pool.Capacity())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, nil)

	require.NoError(t, pool.Start(4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(2))

	pool.Stop()
}

func TestPoolStartInvalidCount(t *testing.T) {
	pool := NewPool(1, nil)
	assert.Error(t, pool.Start(0))
	assert.False(t, pool.IsStarted())
}

func TestSpawnBeforeStart(t *testing.T) {
	pool := NewPool(4, nil)
	err := pool.Spawn(1, func(int) Task { t.Fatal("build must not be called"); return Task{} })
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestSpawnRunsEveryProducer(t *testing.T) {
	pool := NewPool(8, nil)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	sink := newRecordingSink()
	job := jobFunc(func(_ context.Context, w WorkerInfo, out Emitter) error {
		out.Send(w.Index)
		return nil
	})

	err := pool.Spawn(4, func(i int) Task {
		return Task{Info: WorkerInfo{JobID: 1, Index: i, Peers: 4}, Job: job, Sink: sink.Clone()}
	})
	require.NoError(t, err)
	sink.Close()
	waitIdle(t, pool)

	items, errs, live := sink.snapshot()
	assert.ElementsMatch(t, []any{0, 1, 2, 3}, items)
	assert.Empty(t, errs)
	assert.Equal(t, 0, live, "every handle must be released")
}

// ============================================================================
// Slot Reservation Tests
// ============================================================================

func TestSpawnRejectsOversizedJob(t *testing.T) {
	pool := NewPool(2, nil)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	built := 0
	err := pool.Spawn(3, func(int) Task { built++; return Task{} })
	assert.ErrorIs(t, err, ErrPoolBusy)
	assert.Zero(t, built)
}

func TestSpawnRejectsWhenSlotsHeld(t *testing.T) {
	pool := NewPool(2, nil)
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	release := make(chan struct{})
	sink := newRecordingSink()
	blocking := jobFunc(func(context.Context, WorkerInfo, Emitter) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Spawn(2, func(i int) Task {
		return Task{Info: WorkerInfo{Index: i}, Job: blocking, Sink: sink.Clone()}
	}))

	err := pool.Spawn(1, func(int) Task { return Task{} })
	assert.ErrorIs(t, err, ErrPoolBusy)

	close(release)
	sink.Close()
	waitIdle(t, pool)

	// Slots are free again.
	other := newRecordingSink()
	require.NoError(t, pool.Spawn(2, func(i int) Task {
		return Task{Info: WorkerInfo{Index: i}, Job: jobFunc(func(context.Context, WorkerInfo, Emitter) error { return nil }), Sink: other.Clone()}
	}))
	other.Close()
	waitIdle(t, pool)
}

// ============================================================================
// Failure Handling Tests
// ============================================================================

func TestProducerErrorFailsSink(t *testing.T) {
	pool := NewPool(2, nil)
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	sink := newRecordingSink()
	job := jobFunc(func(_ context.Context, w WorkerInfo, out Emitter) error {
		out.Send("partial")
		if w.Index == 0 {
			return errors.New("disk full")
		}
		return nil
	})
	require.NoError(t, pool.Spawn(2, func(i int) Task {
		return Task{Info: WorkerInfo{Index: i, Peers: 2}, Job: job, Sink: sink.Clone()}
	}))
	sink.Close()
	waitIdle(t, pool)

	items, errs, live := sink.snapshot()
	assert.Len(t, items, 2)
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "disk full")
	assert.Equal(t, 0, live)
}

func TestProducerPanicIsRecovered(t *testing.T) {
	pool := NewPool(1, nil)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	sink := newRecordingSink()
	job := jobFunc(func(context.Context, WorkerInfo, Emitter) error { panic("boom") })
	require.NoError(t, pool.Spawn(1, func(i int) Task {
		return Task{Info: WorkerInfo{Index: i}, Job: job, Sink: sink.Clone()}
	}))
	sink.Close()
	waitIdle(t, pool)

	_, errs, live := sink.snapshot()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "panicked: boom")
	assert.Equal(t, 0, live)

	// The executor survives the panic.
	next := newRecordingSink()
	require.NoError(t, pool.Spawn(1, func(i int) Task {
		return Task{Job: jobFunc(func(_ context.Context, _ WorkerInfo, out Emitter) error { out.Send(1); return nil }), Sink: next.Clone()}
	}))
	next.Close()
	waitIdle(t, pool)
	items, _, _ := next.snapshot()
	assert.Len(t, items, 1)
}

func TestProducerTimeout(t *testing.T) {
	pool := NewPool(1, nil)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	sink := newRecordingSink()
	job := jobFunc(func(ctx context.Context, _ WorkerInfo, _ Emitter) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, pool.Spawn(1, func(i int) Task {
		return Task{Info: WorkerInfo{JobID: 9}, Job: job, Sink: sink.Clone(), Timeout: 20 * time.Millisecond}
	}))
	sink.Close()
	waitIdle(t, pool)

	_, errs, _ := sink.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
	assert.Contains(t, errs[0].Error(), "exceeded time limit")
}

type countingObserver struct {
	mu     sync.Mutex
	total  int
	failed int
}

func (o *countingObserver) ObserveTask(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total++
	if err != nil {
		o.failed++
	}
}

func TestObserverSeesEveryTask(t *testing.T) {
	obs := &countingObserver{}
	pool := NewPool(3, nil)
	pool.SetObserver(obs)
	require.NoError(t, pool.Start(3))
	defer pool.Stop()

	sink := newRecordingSink()
	job := jobFunc(func(_ context.Context, w WorkerInfo, _ Emitter) error {
		if w.Index == 2 {
			return errors.New("bad")
		}
		return nil
	})
	require.NoError(t, pool.Spawn(3, func(i int) Task {
		return Task{Info: WorkerInfo{Index: i}, Job: job, Sink: sink.Clone()}
	}))
	sink.Close()
	waitIdle(t, pool)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 3, obs.total)
	assert.Equal(t, 1, obs.failed)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestStopRejectsNewJobs(t *testing.T) {
	pool := NewPool(2, nil)
	require.NoError(t, pool.Start(1))
	pool.Stop()
	pool.Stop() // idempotent

	err := pool.Spawn(1, func(int) Task { return Task{} })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestStopFailsQueuedTasks(t *testing.T) {
	pool := NewPool(3, nil)
	require.NoError(t, pool.Start(1))

	started := make(chan struct{})
	release := make(chan struct{})
	sink := newRecordingSink()
	job := jobFunc(func(_ context.Context, w WorkerInfo, _ Emitter) error {
		if w.Index == 0 {
			close(started)
			<-release
		}
		return nil
	})
	require.NoError(t, pool.Spawn(3, func(i int) Task {
		return Task{Info: WorkerInfo{Index: i}, Job: job, Sink: sink.Clone()}
	}))
	sink.Close()
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	pool.Stop()

	_, errs, live := sink.snapshot()
	assert.Equal(t, 0, live, "queued handles must be released on stop")
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrPoolClosed)
	}
	assert.Len(t, errs, 2)
}

func TestStopCancelsRunningTasks(t *testing.T) {
	pool := NewPool(2, nil)
	require.NoError(t, pool.Start(1))

	started := make(chan struct{})
	sink := newRecordingSink()
	job := jobFunc(func(ctx context.Context, _ WorkerInfo, _ Emitter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, pool.Spawn(1, func(i int) Task {
		return Task{Info: WorkerInfo{JobID: 4, Index: i}, Job: job, Sink: sink.Clone()}
	}))
	sink.Close()
	<-started

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop waited on a task without a time limit")
	}

	_, errs, live := sink.snapshot()
	assert.Equal(t, 0, live)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrPoolClosed)
	assert.Contains(t, errs[0].Error(), "job 4 stopped")
}
