package server

import (
	"context"
	"sync/atomic"

	"github.com/rs/xid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/jobstream/api/jobpb"
	"github.com/ChuLiYu/jobstream/internal/dataflow"
	"github.com/ChuLiYu/jobstream/internal/jobconf"
	"github.com/ChuLiYu/jobstream/internal/metrics"
	"github.com/ChuLiYu/jobstream/internal/sink"
)

// Messages of the rejections returned before a stream is opened.
const (
	MsgMissingConfig = "job configuration not found"
	MsgSubmitError   = "submit job error: "
)

const jobSeqBits = 48

// Readiness gates a submission on cluster membership.
type Readiness interface {
	WaitReady(ctx context.Context, topology jobconf.ServerConf) error
}

// Submitter hands a job to the execution runtime. It must not block on the
// job itself and must release sink before returning.
type Submitter interface {
	Run(conf jobconf.JobConf, sink dataflow.Sink, desc dataflow.JobDesc) error
}

// Recorder receives per-submission metrics.
type Recorder interface {
	RecordSubmitted()
	RecordRejected(reason string)
	RecordResult()
	StreamOpened()
	StreamClosed(finished, ok bool)
}

var _ Recorder = (*metrics.Collector)(nil)

// ServiceOptions wires a Service.
type ServiceOptions struct {
	ServerID  uint64
	Defaults  jobconf.JobConf
	Readiness Readiness
	Runtime   Submitter
	Encoder   sink.Encoder
	Metrics   Recorder
	Logger    *zap.Logger
}

// Service implements jobpb.JobServiceServer.
type Service struct {
	jobpb.UnimplementedJobServiceServer

	serverID uint64
	defaults jobconf.JobConf
	ready    Readiness
	runtime  Submitter
	enc      sink.Encoder
	metrics  Recorder
	logger   *zap.Logger

	seq atomic.Uint64
}

// NewService creates the submission service.
func NewService(opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Encoder == nil {
		opts.Encoder = sink.NewProtoEncoder()
	}
	if opts.Readiness == nil {
		opts.Readiness = alwaysReady{}
	}
	return &Service{
		serverID: opts.ServerID,
		defaults: opts.Defaults,
		ready:    opts.Readiness,
		runtime:  opts.Runtime,
		enc:      opts.Encoder,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("service"),
	}
}

// Submit validates the request, waits for the cluster, starts the job and
// streams its results. The stream ends with the success terminal, or with
// the first failure once every producer is done.
func (s *Service) Submit(req *jobpb.JobRequest, stream jobpb.JobService_SubmitServer) error {
	ctx := stream.Context()
	s.metrics.RecordSubmitted()

	wire := req.GetConf()
	if wire == nil {
		s.metrics.RecordRejected(metrics.ReasonInvalidArgument)
		return status.Error(codes.InvalidArgument, MsgMissingConfig)
	}
	conf := jobconf.Resolve(wire, s.defaults)

	if err := s.ready.WaitReady(ctx, conf.Servers); err != nil {
		s.metrics.RecordRejected(metrics.ReasonNotReady)
		return status.FromContextError(err).Err()
	}

	desc := JobDesc(req)
	if conf.JobID == 0 {
		conf.JobID = s.nextJobID()
	}

	logger := s.logger.With(
		zap.String("request_id", xid.New().String()),
		zap.Uint64("job_id", conf.JobID))
	if conf.TraceEnable {
		logger.Info("job submitted",
			zap.String("job_name", conf.JobName),
			zap.Uint32("workers", conf.Workers),
			zap.Stringer("servers", conf.Servers),
			zap.Int("plan_bytes", len(desc.Plan)),
			zap.Int("input_bytes", len(desc.Input)))
	}

	ch := sink.NewChannel()
	defer ch.Close()

	if err := s.runtime.Run(conf, sink.New(conf.JobID, ch, s.enc), desc); err != nil {
		s.metrics.RecordRejected(metrics.ReasonRuntime)
		logger.Warn("job rejected", zap.Error(err))
		return status.Error(codes.InvalidArgument, MsgSubmitError+err.Error())
	}

	s.metrics.StreamOpened()
	var finished, ok bool
	defer func() { s.metrics.StreamClosed(finished, ok) }()

	finish := func(term *jobpb.JobResponse) error {
		if err := stream.Send(term); err != nil {
			logger.Debug("client went away", zap.Error(err))
			return err
		}
		finished, ok = true, term.Status.Success
		if conf.TraceEnable {
			logger.Info("job finished",
				zap.Bool("success", ok),
				zap.String("message", term.Status.Message))
		}
		if ok {
			return nil
		}
		return status.Error(codes.Unknown, term.Status.Message)
	}

	// A failure terminal is held back until every producer has released
	// its handle, so results of the producers still running are delivered.
	var failure *jobpb.JobResponse
	sealed := ch.Sealed()
	released := false
	for {
		select {
		case item := <-ch.Recv():
			if !item.IsTerminal() {
				if err := stream.Send(item); err != nil {
					logger.Debug("client went away", zap.Error(err))
					return err
				}
				s.metrics.RecordResult()
				continue
			}
			if item.Status.Success || released {
				return finish(item)
			}
			if failure == nil {
				failure = item
			}
		case <-sealed:
			released, sealed = true, nil
			if failure != nil {
				return finish(failure)
			}
		case <-ctx.Done():
			logger.Debug("stream cancelled", zap.Error(ctx.Err()))
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

// nextJobID returns a job id unique to this server: the server id in the
// top 16 bits, a sequence number below.
func (s *Service) nextJobID() uint64 {
	seq := s.seq.Add(1) & (1<<jobSeqBits - 1)
	return s.serverID<<jobSeqBits | seq
}

// JobDesc builds the job descriptor of req. Absent sections become empty.
func JobDesc(req *jobpb.JobRequest) dataflow.JobDesc {
	return dataflow.JobDesc{
		Input:    orEmpty(req.Source.GetResource()),
		Plan:     orEmpty(req.Plan.GetResource()),
		Resource: orEmpty(req.Resource.GetResource()),
	}
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

type nopRecorder struct{}

func (nopRecorder) RecordSubmitted()        {}
func (nopRecorder) RecordRejected(string)   {}
func (nopRecorder) RecordResult()           {}
func (nopRecorder) StreamOpened()           {}
func (nopRecorder) StreamClosed(bool, bool) {}

type alwaysReady struct{}

func (alwaysReady) WaitReady(context.Context, jobconf.ServerConf) error { return nil }
