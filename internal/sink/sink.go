// ============================================================================
// Completion Sink
// ============================================================================
//
// Package: internal/sink
// File: sink.go
// Purpose: Fan-in of every producer of a job into one response stream
//
// Counting:
//   peers starts at 1 for the handle created by New. Clone adds one, Close
//   subtracts one. The Close that brings peers to zero is the last one and
//   emits the success terminal, unless some producer already called Fail,
//   and then seals the channel.
//
// Ordering:
//   A producer's Close happens after all of its sends, so the terminal sent
//   by the last Close is queued after every result. The one exception is a
//   Fail issued on a handle that was already closed: it may arrive after
//   the success terminal. Readers treat the first terminal as final.
//
// ============================================================================

package sink

import (
	"fmt"
	"sync/atomic"

	"github.com/ChuLiYu/jobstream/api/jobpb"
	"github.com/ChuLiYu/jobstream/internal/dataflow"
)

// OKMessage is the message carried by the success terminal.
const OKMessage = "ok"

// ExecutionErrorPrefix prefixes the message of an execution-time failure.
const ExecutionErrorPrefix = "execution_error: "

// Sink is one handle on a job's response stream.
type Sink struct {
	jobID    uint64
	hadError *atomic.Bool
	peers    *atomic.Int64
	tx       *Channel
	enc      Encoder

	released atomic.Bool
}

var _ dataflow.Sink = (*Sink)(nil)

// New creates the first handle for job jobID, sending into tx.
func New(jobID uint64, tx *Channel, enc Encoder) *Sink {
	if enc == nil {
		enc = NewProtoEncoder()
	}
	peers := new(atomic.Int64)
	peers.Store(1)
	return &Sink{
		jobID:    jobID,
		hadError: new(atomic.Bool),
		peers:    peers,
		tx:       tx,
		enc:      enc,
	}
}

// JobID returns the id every item of this stream is tagged with.
func (s *Sink) JobID() uint64 { return s.jobID }

// Clone returns a new handle sharing the counter, error flag and channel.
func (s *Sink) Clone() dataflow.Sink {
	s.peers.Add(1)
	return &Sink{
		jobID:    s.jobID,
		hadError: s.hadError,
		peers:    s.peers,
		tx:       s.tx,
		enc:      s.enc,
	}
}

// Send encodes v and queues it as a result item. A closed receiver is not
// an error. A value that cannot be encoded fails the job.
func (s *Sink) Send(v any) {
	data, err := s.enc.Encode(v)
	if err != nil {
		s.Fail(fmt.Errorf("encode result: %w", err))
		return
	}
	s.tx.Send(&jobpb.JobResponse{
		JobID: s.jobID,
		Res:   &jobpb.BinaryResource{Resource: data},
	})
}

// Fail marks the job as failed and queues a failure terminal. Other
// producers keep running.
func (s *Sink) Fail(err error) {
	s.hadError.Store(true)
	s.tx.Send(&jobpb.JobResponse{
		JobID:  s.jobID,
		Status: &jobpb.Terminal{Message: ExecutionErrorPrefix + err.Error()},
	})
}

// Close releases this handle. Calling it again on the same handle does
// nothing.
func (s *Sink) Close() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	if s.peers.Add(-1) != 0 {
		return
	}
	if !s.hadError.Load() {
		s.tx.Send(&jobpb.JobResponse{
			JobID:  s.jobID,
			Status: &jobpb.Terminal{Success: true, Message: OKMessage},
		})
	}
	s.tx.Seal()
}

// Failed reports whether any handle has called Fail.
func (s *Sink) Failed() bool { return s.hadError.Load() }
