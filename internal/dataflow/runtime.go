package dataflow

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobstream/internal/jobconf"
)

// Runtime accepts jobs and runs their producers on a Pool.
type Runtime struct {
	pool   *Pool
	parser Parser
	logger *zap.Logger
}

// NewRuntime creates a runtime that parses jobs with parser.
func NewRuntime(pool *Pool, parser Parser, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{pool: pool, parser: parser, logger: logger.Named("runtime")}
}

// Run parses the job and spawns conf.Workers producers, each holding its
// own clone of sink. It returns without waiting for the producers. The
// handle passed in is always released before Run returns. A non-nil error
// means the job was rejected and no producer was started.
func (r *Runtime) Run(conf jobconf.JobConf, sink Sink, desc JobDesc) error {
	defer sink.Close()

	job, err := r.parser.Accept(desc)
	if err != nil {
		return fmt.Errorf("parse job: %w", err)
	}
	if conf.PlanPrint {
		r.logger.Info("job plan",
			zap.Uint64("job_id", conf.JobID),
			zap.String("job_name", conf.JobName),
			zap.String("plan", describe(job)),
			zap.Stringer("servers", conf.Servers))
	}

	n := int(conf.Workers)
	if n <= 0 {
		n = 1
	}
	err = r.pool.Spawn(n, func(i int) Task {
		return Task{
			Info: WorkerInfo{
				JobID:         conf.JobID,
				JobName:       conf.JobName,
				Index:         i,
				Peers:         n,
				BatchSize:     int(conf.BatchSize),
				BatchCapacity: int(conf.BatchCapacity),
			},
			Job:     job,
			Sink:    sink.Clone(),
			Timeout: conf.Timeout(),
		}
	})
	if err != nil {
		return fmt.Errorf("spawn %d workers: %w", n, err)
	}
	return nil
}

func describe(job Job) string {
	if s, ok := job.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", job)
}
