package dataflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// executor is one goroutine of the pool. It runs tasks one at a time until
// the pool stops.
type executor struct {
	base     context.Context
	id       int
	taskCh   <-chan Task
	stopCh   <-chan struct{}
	slots    *semaphore.Weighted
	observer TaskObserver
	logger   *zap.Logger
}

func newExecutor(base context.Context, id int, taskCh <-chan Task, stopCh <-chan struct{}, slots *semaphore.Weighted, o TaskObserver, logger *zap.Logger) *executor {
	return &executor{
		base:     base,
		id:       id,
		taskCh:   taskCh,
		stopCh:   stopCh,
		slots:    slots,
		observer: o,
		logger:   logger.With(zap.Int("executor", id)),
	}
}

// Run is the executor main loop. A closed stopCh wins over queued tasks.
func (e *executor) Run() {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		select {
		case <-e.stopCh:
			return
		case task := <-e.taskCh:
			e.execute(task)
		}
	}
}

// execute runs a single producer. Whatever happens, including a panic in
// the job, the producer's sink handle is closed and its slot released.
func (e *executor) execute(task Task) {
	start := time.Now()
	defer e.slots.Release(1)
	defer task.Sink.Close()

	ctx := e.base
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	err := e.run(ctx, task)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("job %d exceeded time limit %s: %w", task.Info.JobID, task.Timeout, err)
		case errors.Is(err, context.Canceled) && e.base.Err() != nil:
			err = fmt.Errorf("job %d stopped: %w", task.Info.JobID, ErrPoolClosed)
		}
		e.logger.Debug("producer failed",
			zap.Uint64("job_id", task.Info.JobID),
			zap.Int("index", task.Info.Index),
			zap.Error(err))
		task.Sink.Fail(err)
	}

	if e.observer != nil {
		e.observer.ObserveTask(time.Since(start), err)
	}
}

func (e *executor) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("producer panicked",
				zap.Uint64("job_id", task.Info.JobID),
				zap.Int("index", task.Info.Index),
				zap.Any("panic", r))
			err = fmt.Errorf("worker %d panicked: %v", task.Info.Index, r)
		}
	}()
	return task.Job.Run(ctx, task.Info, task.Sink)
}
