// ============================================================================
// Binpack Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose client and worker activity for Prometheus
//
// Metric groups:
//
//   1. Coordinator (client side):
//      - binpack_events_received_total{event}: inbound events by name
//      - binpack_status_applied_total{status}: status tokens applied
//      - binpack_unknown_status_total: ignored status tokens
//      - binpack_malformed_payloads_total{metric}: graphs that failed to parse
//      - binpack_dispatches_total: data-in events sent
//      - binpack_progress_percent: latest progress percentage
//
//   2. Submission gate:
//      - binpack_confirmations_total{decision}: required / agree / disagree / skipped
//
//   3. Worker (server side):
//      - binpack_worker_jobs_total{outcome}: completed / failed / cancelled
//      - binpack_worker_job_duration_seconds: wall time per job
//      - binpack_worker_jobs_in_flight: jobs currently running
//
// Unknown status tokens and event names are counted under "unknown" so a
// chatty worker cannot blow up label cardinality.
//
// All methods are safe on a nil *Collector, which records nothing.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Confirmation decisions.
const (
	DecisionRequired = "required"
	DecisionAgree    = "agree"
	DecisionDisagree = "disagree"
	DecisionSkipped  = "skipped"
)

// Worker job outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Collector holds every collector the binary exports.
type Collector struct {
	eventsReceived    *prometheus.CounterVec
	statusApplied     *prometheus.CounterVec
	unknownStatus     prometheus.Counter
	malformedPayloads *prometheus.CounterVec
	dispatches        prometheus.Counter
	progressPercent   prometheus.Gauge

	confirmations *prometheus.CounterVec

	workerJobs        *prometheus.CounterVec
	workerJobDuration prometheus.Histogram
	workerInFlight    prometheus.Gauge
}

// NewCollector creates the collectors and registers them with reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binpack_events_received_total",
			Help: "Inbound worker events by event name",
		}, []string{"event"}),
		statusApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binpack_status_applied_total",
			Help: "Status tokens applied to the job snapshot",
		}, []string{"status"}),
		unknownStatus: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binpack_unknown_status_total",
			Help: "Status tokens ignored because they are not recognised",
		}),
		malformedPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binpack_malformed_payloads_total",
			Help: "Plot documents that failed to parse, by metric",
		}, []string{"metric"}),
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binpack_dispatches_total",
			Help: "Jobs dispatched to the worker",
		}),
		progressPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "binpack_progress_percent",
			Help: "Latest genetic algorithm progress in percent",
		}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binpack_confirmations_total",
			Help: "Submission gate confirmation outcomes",
		}, []string{"decision"}),
		workerJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binpack_worker_jobs_total",
			Help: "Worker jobs finished, by outcome",
		}, []string{"outcome"}),
		workerJobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "binpack_worker_job_duration_seconds",
			Help:    "Worker job wall time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		workerInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "binpack_worker_jobs_in_flight",
			Help: "Worker jobs currently running",
		}),
	}

	reg.MustRegister(
		c.eventsReceived,
		c.statusApplied,
		c.unknownStatus,
		c.malformedPayloads,
		c.dispatches,
		c.progressPercent,
		c.confirmations,
		c.workerJobs,
		c.workerJobDuration,
		c.workerInFlight,
	)

	return c
}

// RecordEvent counts one inbound event.
func (c *Collector) RecordEvent(event string) {
	if c == nil {
		return
	}
	switch event {
	case types.EventDataIn, types.EventConnectResponse, types.EventStatus, types.EventProgress:
	default:
		event = "unknown"
	}
	c.eventsReceived.WithLabelValues(event).Inc()
}

// RecordStatus counts one applied status token.
func (c *Collector) RecordStatus(status string) {
	if c == nil {
		return
	}
	c.statusApplied.WithLabelValues(status).Inc()
}

// RecordUnknownStatus counts one ignored status token.
func (c *Collector) RecordUnknownStatus() {
	if c == nil {
		return
	}
	c.unknownStatus.Inc()
	c.statusApplied.WithLabelValues("unknown").Inc()
}

// RecordMalformed counts one plot document that failed to parse.
func (c *Collector) RecordMalformed(metric string) {
	if c == nil {
		return
	}
	c.malformedPayloads.WithLabelValues(metric).Inc()
}

// RecordDispatch counts one data-in event.
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.dispatches.Inc()
}

// SetProgress publishes the latest progress percentage.
func (c *Collector) SetProgress(percent int) {
	if c == nil {
		return
	}
	c.progressPercent.Set(float64(percent))
}

// RecordConfirmation counts one gate decision.
func (c *Collector) RecordConfirmation(decision string) {
	if c == nil {
		return
	}
	c.confirmations.WithLabelValues(decision).Inc()
}

// WorkerJobStarted marks one job as running.
func (c *Collector) WorkerJobStarted() {
	if c == nil {
		return
	}
	c.workerInFlight.Inc()
}

// WorkerJobFinished records the outcome and duration of one job.
func (c *Collector) WorkerJobFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.workerInFlight.Dec()
	c.workerJobs.WithLabelValues(outcome).Inc()
	c.workerJobDuration.Observe(d.Seconds())
}

// StartServer serves /metrics from g on addr until ctx is done.
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
