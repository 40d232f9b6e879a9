// Package metrics holds the Prometheus collectors shared by the API and the
// worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed     *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	JobsReclaimed     *prometheus.CounterVec
	JobsRequeued      prometheus.Counter
	EmbeddingRequests *prometheus.CounterVec
	CacheEntries      prometheus.Gauge
	EventsDropped     prometheus.Counter
	FilesPurged       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Jobs that reached a terminal state.",
		}, []string{"type", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler wall time per job type.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"type"}),
		JobsReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_reclaimed_total",
			Help: "Stale Processing jobs reset to Pending or failed.",
		}, []string{"outcome"}),
		JobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_requeued_total",
			Help: "Pending jobs re-enqueued by the sweeper.",
		}),
		EmbeddingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedding_requests_total",
			Help: "Embedding batches sent to the provider.",
		}, []string{"outcome"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vector_cache_entries",
			Help: "Vectors held by the in-process cache.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_events_dropped_total",
			Help: "Job events dropped because the delivery buffer was full.",
		}),
		FilesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retention_files_purged_total",
			Help: "Temporary files removed by the retention sweep.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsProcessed,
		m.JobDuration,
		m.JobsReclaimed,
		m.JobsRequeued,
		m.EmbeddingRequests,
		m.CacheEntries,
		m.EventsDropped,
		m.FilesPurged,
	)
	return m
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(jobType, status string, elapsed time.Duration) {
	m.JobsProcessed.WithLabelValues(jobType, status).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
