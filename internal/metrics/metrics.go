// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal           *prometheus.CounterVec
	tasksTotal          *prometheus.CounterVec
	taskDurationSeconds *prometheus.HistogramVec
	queueDepth          prometheus.Gauge
	activeWorkers       prometheus.Gauge
	backoffSeconds      prometheus.Histogram
	intakeBytesTotal    prometheus.Counter
	promotedTotal       prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_jobs_total",
				Help: "Total queue transitions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_tasks_total",
				Help: "Total background tasks, labeled by task and status.",
			},
			[]string{"task", "status"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_task_duration_seconds",
				Help:    "Histogram of background task durations.",
				Buckets: []float64{0.05, 0.25, 1, 5, 30, 120, 600},
			},
			[]string{"task"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Jobs currently queued.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_workers",
				Help: "Workers currently processing a job.",
			},
		)

		backoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_retry_backoff_seconds",
				Help:    "Histogram of computed retry backoff delays.",
				Buckets: []float64{1, 5, 30, 60, 300, 1800, 3600},
			},
		)

		intakeBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_intake_bytes_total",
				Help: "Total bytes accepted by file intake.",
			},
		)

		promotedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_promoted_records_total",
				Help: "Raw events promoted to the normalized layer.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job outcome counter.
func ObserveJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTask records one background task run.
func ObserveTask(task, status string, duration time.Duration) {
	tasksTotal.WithLabelValues(task, status).Inc()
	taskDurationSeconds.WithLabelValues(task).Observe(duration.Seconds())
}

// SetQueueDepth updates the queue depth gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveBackoff records a computed retry delay.
func ObserveBackoff(d time.Duration) {
	backoffSeconds.Observe(d.Seconds())
}

// AddIntakeBytes counts accepted intake bytes.
func AddIntakeBytes(n int64) {
	intakeBytesTotal.Add(float64(n))
}

// AddPromoted counts promoted raw events.
func AddPromoted(n int) {
	promotedTotal.Add(float64(n))
}
