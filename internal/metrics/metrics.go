// ============================================================================
// Jobstream Metrics - Prometheus collectors
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose submission, stream and producer metrics
//
// Metrics:
//
//   1. Counters
//      - jobstream_jobs_submitted_total: requests that reached the service
//      - jobstream_jobs_rejected_total{reason}: requests refused before a
//        stream was returned (invalid_argument, runtime, not_ready)
//      - jobstream_jobs_succeeded_total: streams ended with the ok terminal
//      - jobstream_jobs_failed_total: streams ended with a failure terminal
//      - jobstream_results_total: result items streamed to clients
//
//   2. Histogram
//      - jobstream_task_duration_seconds: run time of one producer
//
//   3. Gauges
//      - jobstream_streams_active: response streams currently open
//      - jobstream_peers_reachable: cluster peers whose last probe succeeded
//
// Example queries:
//
//   rate(jobstream_jobs_failed_total[5m]) / rate(jobstream_jobs_submitted_total[5m])
//   histogram_quantile(0.95, rate(jobstream_task_duration_seconds_bucket[5m]))
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobstream"

// Rejection reasons.
const (
	ReasonInvalidArgument = "invalid_argument"
	ReasonRuntime         = "runtime"
	ReasonNotReady        = "not_ready"
)

// Collector holds every metric of the server.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsRejected  *prometheus.CounterVec
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	results       prometheus.Counter

	taskDuration prometheus.Histogram

	streamsActive  prometheus.Gauge
	peersReachable prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of job submissions received",
		}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of job submissions rejected before streaming",
		}, []string{"reason"}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_succeeded_total",
			Help:      "Total number of job streams ended with success",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of job streams ended with an execution error",
		}),
		results: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total number of result items streamed to clients",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Run time of a single job producer in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Current number of open job response streams",
		}),
		peersReachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_reachable",
			Help:      "Current number of reachable cluster peers",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsRejected,
		c.jobsSucceeded,
		c.jobsFailed,
		c.results,
		c.taskDuration,
		c.streamsActive,
		c.peersReachable,
	)
	return c
}

// RecordSubmitted counts a received submission.
func (c *Collector) RecordSubmitted() { c.jobsSubmitted.Inc() }

// RecordRejected counts a submission refused for reason.
func (c *Collector) RecordRejected(reason string) { c.jobsRejected.WithLabelValues(reason).Inc() }

// RecordResult counts one streamed result item.
func (c *Collector) RecordResult() { c.results.Inc() }

// StreamOpened marks a response stream as active.
func (c *Collector) StreamOpened() { c.streamsActive.Inc() }

// StreamClosed ends an active stream and records its outcome. ok is false
// for failure terminals; streams abandoned by the client pass finished=false.
func (c *Collector) StreamClosed(finished, ok bool) {
	c.streamsActive.Dec()
	if !finished {
		return
	}
	if ok {
		c.jobsSucceeded.Inc()
	} else {
		c.jobsFailed.Inc()
	}
}

// ObserveTask records one producer run.
func (c *Collector) ObserveTask(d time.Duration, _ error) {
	c.taskDuration.Observe(d.Seconds())
}

// SetReachablePeers updates the reachable peer gauge.
func (c *Collector) SetReachablePeers(n int) { c.peersReachable.Set(float64(n)) }

// Serve exposes gatherer at /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
