package dataflow

import (
	"context"
	"time"
)

// JobDesc is the opaque payload bundle of one job. Absent sections are empty.
type JobDesc struct {
	Input    []byte
	Plan     []byte
	Resource []byte
}

// Emitter receives the results a producer generates.
type Emitter interface {
	Send(v any)
}

// Sink is a shared result handle. Every producer holds its own clone and
// closes it exactly once when it finishes; the last Close ends the stream.
type Sink interface {
	Emitter
	// Clone registers one more producer and returns its handle.
	Clone() Sink
	// Fail reports an execution error for the whole job.
	Fail(err error)
	// Close releases this handle.
	Close()
}

// Parser turns the raw bytes of a job into something runnable.
type Parser interface {
	Accept(desc JobDesc) (Job, error)
}

// Job is a parsed job. Run is invoked once per worker, concurrently.
type Job interface {
	Run(ctx context.Context, w WorkerInfo, out Emitter) error
}

// WorkerInfo tells a producer which slice of the job it owns.
type WorkerInfo struct {
	JobID         uint64
	JobName       string
	Index         int // 0-based
	Peers         int // total producers of the job
	BatchSize     int
	BatchCapacity int
}

// Task is one producer of a job waiting for an executor.
type Task struct {
	Info    WorkerInfo
	Job     Job
	Sink    Sink
	Timeout time.Duration // zero means no limit
}

// TaskObserver is notified after each task finishes.
type TaskObserver interface {
	ObserveTask(d time.Duration, err error)
}
