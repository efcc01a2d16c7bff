package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "books_jobs_enqueued_total", Help: "Total book generation jobs created"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "books_jobs_completed_total", Help: "Jobs that finished with a result"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "books_jobs_failed_total", Help: "Pipeline runs that ended in failure"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "books_jobs_retried_total", Help: "Failed jobs requeued for another run"})
	JobsDeadEnded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "books_jobs_dead_ended_total", Help: "Jobs left failed after exhausting retries"})
	StagesCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "books_stages_completed_total", Help: "Pipeline stages completed"})
	StagesFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "books_stages_failed_total", Help: "Pipeline stages that failed"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "books_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "books_queue_depth", Help: "Pending jobs eligible for claiming"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "books_jobs_inflight", Help: "Jobs currently held by this worker"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsDeadEnded,
			StagesCompleted,
			StagesFailed,
			RateLimitRejects,
			QueueDepthGauge,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
