package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "netspot_jobs_enqueued_total", Help: "Jobs inserted by the producer"})
	SubmitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "netspot_submit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netspot_jobs_finished_total", Help: "Jobs that reached a terminal status"}, []string{"status"})
	ExecutorDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netspot_executor_duration_seconds",
		Help:    "Wall time of executor runs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	WorkersBusy     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "netspot_workers_busy", Help: "Workers currently processing a job"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "netspot_dispatch_queue_depth", Help: "Jobs waiting in the dispatch queue"})
	PollErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "netspot_poll_errors_total", Help: "Scheduler polls that failed to read the store"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			SubmitRejects,
			JobsFinished,
			ExecutorDuration,
			WorkersBusy,
			QueueDepthGauge,
			PollErrors,
		)
	})
	return promhttp.Handler()
}
