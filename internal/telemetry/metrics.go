package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_submitted_total", Help: "Jobs admitted into the pending queue"})
	QueueFullRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_queue_full_rejects_total", Help: "Submissions rejected because the pending queue was full"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_jobs_failed_total", Help: "Jobs that ended in failure"})
	JobsCancelled    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bridge_jobs_cancelled_total", Help: "Jobs cancelled by callers"}, []string{"stage"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_queue_depth", Help: "Jobs waiting in the pending queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_jobs_inflight", Help: "Jobs currently running against the backend"})
	BackendDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_backend_call_seconds",
		Help:    "Duration of backend job calls",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"job_type", "outcome"})
	EventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_event_subscribers", Help: "Observers connected to the event channel"})
	EventsDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_event_subscribers_dropped_total", Help: "Observers dropped because they could not accept an event"})
	ResultsEvicted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_results_evicted_total", Help: "Terminal results evicted from the result cache"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			QueueFullRejects,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			QueueDepthGauge,
			InFlightGauge,
			BackendDuration,
			EventSubscribers,
			EventsDropped,
			ResultsEvicted,
		)
	})
	return promhttp.Handler()
}
