// Package metrics exposes Prometheus instrumentation for the job pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mwhitton/conveyor/internal/job"
)

// Collector owns the Prometheus metrics and the registry they live in.
// Each Collector has its own registry so tests can instantiate freely.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued   *prometheus.CounterVec
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRetried    prometheus.Counter
	jobsCancelled  prometheus.Counter

	jobDuration prometheus.Histogram

	queueDepth    *prometheus.GaugeVec
	workersActive prometheus.Gauge
	workersLive   prometheus.Gauge
}

// NewCollector creates and registers the metric set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_jobs_enqueued_total",
			Help: "Jobs accepted by the boundary API, by priority.",
		}, []string{"priority"}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_jobs_dispatched_total",
			Help: "Jobs handed to a worker.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_jobs_completed_total",
			Help: "Jobs that reached the completed state.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_jobs_failed_total",
			Help: "Jobs that reached the failed state.",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_jobs_retried_total",
			Help: "Execution attempts that were requeued for retry.",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_jobs_cancelled_total",
			Help: "Jobs cancelled before completion.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conveyor_job_duration_seconds",
			Help:    "Wall time of successful execution attempts.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conveyor_queue_depth",
			Help: "Pending jobs per priority class.",
		}, []string{"priority"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_workers_active",
			Help: "Workers currently executing a job.",
		}),
		workersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_workers_live",
			Help: "Worker goroutines alive, busy or idle.",
		}),
	}

	c.registry.MustRegister(
		c.jobsEnqueued, c.jobsDispatched, c.jobsCompleted, c.jobsFailed,
		c.jobsRetried, c.jobsCancelled, c.jobDuration,
		c.queueDepth, c.workersActive, c.workersLive,
	)

	return c
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordEnqueued counts an accepted job.
func (c *Collector) RecordEnqueued(p job.Priority) {
	c.jobsEnqueued.WithLabelValues(string(p)).Inc()
}

// RecordDispatched counts a job handed to a worker.
func (c *Collector) RecordDispatched() {
	c.jobsDispatched.Inc()
}

// RecordCompleted counts a completion and observes its duration.
func (c *Collector) RecordCompleted(seconds float64) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(seconds)
}

// RecordFailed counts a terminal failure.
func (c *Collector) RecordFailed() {
	c.jobsFailed.Inc()
}

// RecordRetried counts a requeued attempt.
func (c *Collector) RecordRetried() {
	c.jobsRetried.Inc()
}

// RecordCancelled counts a cancellation.
func (c *Collector) RecordCancelled() {
	c.jobsCancelled.Inc()
}

// SetQueueDepth records the pending backlog of one priority class.
func (c *Collector) SetQueueDepth(p job.Priority, depth int) {
	c.queueDepth.WithLabelValues(string(p)).Set(float64(depth))
}

// SetWorkerCounts records pool liveness.
func (c *Collector) SetWorkerCounts(active, live int) {
	c.workersActive.Set(float64(active))
	c.workersLive.Set(float64(live))
}
