// Package metrics holds the Prometheus collectors for the orchestrator.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a metrics registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulse"

// Metrics is the set of orchestrator collectors bound to one registry
type Metrics struct {
	registry *prometheus.Registry

	claims          *prometheus.CounterVec
	contentions     prometheus.Counter
	completions     *prometheus.CounterVec
	failures        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	cancellations   *prometheus.CounterVec
	droppedOutcomes *prometheus.CounterVec
	abandoned       *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	activeWorkers   prometheus.Gauge
	jobsByStatus    *prometheus.GaugeVec
	logsPurged      prometheus.Counter
	instancesReaped prometheus.Counter
	orphansRequeued prometheus.Counter
	memoryPercent   prometheus.Gauge
	info            *prometheus.GaugeVec
}

// New creates the collectors and registers them, together with the Go runtime
// and process collectors, on a fresh registry
func New(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed for execution.",
		}, []string{"job_type"}),
		contentions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_contentions_total",
			Help:      "Claims that found due jobs but lost every one of them to another claimer.",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs that finished successfully.",
		}, []string{"job_type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that failed terminally after exhausting retries.",
		}, []string{"job_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Failed attempts that were returned to pending for retry.",
		}, []string{"job_type"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Running jobs whose handler was interrupted by cancellation.",
		}, []string{"job_type"}),
		droppedOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_dropped_total",
			Help:      "Handler outcomes discarded because the job left running state first.",
		}, []string{"job_type"}),
		abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handlers_abandoned_total",
			Help:      "Handlers that kept running after cancellation and were left behind by their worker.",
		}, []string{"job_type"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time by job type and outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"job_type", "outcome"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently executing a handler.",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs in the store by status, sampled by maintenance.",
		}, []string{"status"}),
		logsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_logs_purged_total",
			Help:      "Execution log entries removed by retention cleanup.",
		}),
		instancesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_reaped_total",
			Help:      "Service instances marked error after their heartbeat expired.",
		}),
		orphansRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_jobs_total",
			Help:      "Running jobs failed because their claiming instance was not live.",
		}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_used_percent",
			Help:      "Host memory utilisation as seen by this instance.",
		}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information, value is always 1.",
		}, []string{"version"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.claims,
		m.contentions,
		m.completions,
		m.failures,
		m.retries,
		m.cancellations,
		m.droppedOutcomes,
		m.abandoned,
		m.handlerDuration,
		m.activeWorkers,
		m.jobsByStatus,
		m.logsPurged,
		m.instancesReaped,
		m.orphansRequeued,
		m.memoryPercent,
		m.info,
	)
	m.info.WithLabelValues(version).Set(1)

	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Outcome labels for HandlerFinished
const (
	OutcomeCompleted = "completed"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeDropped   = "dropped"
)

// JobClaimed records a successful claim
func (m *Metrics) JobClaimed(jobType string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(jobType).Inc()
}

// HandlerFinished records how a handler run ended and how long it took
func (m *Metrics) HandlerFinished(jobType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(jobType, outcome).Observe(elapsed.Seconds())

	switch outcome {
	case OutcomeCompleted:
		m.completions.WithLabelValues(jobType).Inc()
	case OutcomeRetrying:
		m.retries.WithLabelValues(jobType).Inc()
	case OutcomeFailed:
		m.failures.WithLabelValues(jobType).Inc()
	case OutcomeCancelled:
		m.cancellations.WithLabelValues(jobType).Inc()
	case OutcomeDropped:
		m.droppedOutcomes.WithLabelValues(jobType).Inc()
	}
}

// WorkerBusy adjusts the active worker gauge by delta
func (m *Metrics) WorkerBusy(delta int) {
	if m == nil {
		return
	}
	m.activeWorkers.Add(float64(delta))
}

// SetJobCounts replaces the per-status job gauge
func (m *Metrics) SetJobCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.jobsByStatus.Reset()
	for status, n := range counts {
		m.jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// LogsPurged adds n to the retention cleanup counter
func (m *Metrics) LogsPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.logsPurged.Add(float64(n))
}

// InstancesReaped adds n to the reaped instance counter
func (m *Metrics) InstancesReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.instancesReaped.Add(float64(n))
}

// ClaimContended counts a claim that lost the race for every due job
func (m *Metrics) ClaimContended() {
	if m == nil {
		return
	}
	m.contentions.Inc()
}

// HandlerAbandoned counts a handler the dispatcher stopped waiting for
func (m *Metrics) HandlerAbandoned(jobType string) {
	if m == nil {
		return
	}
	m.abandoned.WithLabelValues(jobType).Inc()
}

// OrphanRequeued counts one orphaned job handed back to the retry policy
func (m *Metrics) OrphanRequeued() {
	if m == nil {
		return
	}
	m.orphansRequeued.Inc()
}

// SetMemoryPercent records the latest host memory sample
func (m *Metrics) SetMemoryPercent(pct float64) {
	if m == nil {
		return
	}
	m.memoryPercent.Set(pct)
}
