// Package metrics exposes queue activity counters on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects task lifecycle counters. A single instance is
// shared by the service and the workers.
type Metrics struct {
	TasksEnqueued  prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksRequeued  prometheus.Counter
	CacheHits      prometheus.Counter
	ConvertSeconds prometheus.Histogram
}

// New registers the papermill collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "papermill_tasks_enqueued_total",
			Help: "Tasks accepted into the queue.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "papermill_tasks_completed_total",
			Help: "Tasks that reached the completed state.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "papermill_tasks_failed_total",
			Help: "Tasks that reached the failed state.",
		}),
		TasksRequeued: factory.NewCounter(prometheus.CounterOpts{
			Name: "papermill_tasks_requeued_total",
			Help: "Stale claims returned to the queue by the reaper.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "papermill_cache_hits_total",
			Help: "Conversions skipped via the content-hash cache.",
		}),
		ConvertSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "papermill_conversion_duration_seconds",
			Help:    "Wall-clock duration of successful conversions.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}
