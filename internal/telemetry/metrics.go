package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_enqueued_total", Help: "Total enqueued jobs"}, []string{"kind"})
	OrdersCreated    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_orders_created_total", Help: "Orders created"}, []string{"kind"})
	OrderConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_order_conflicts_total", Help: "Order creations answered with the active owner"})
	OrdersFinished   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_orders_finished_total", Help: "Orders reaching a terminal status"}, []string{"status"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_retried_total", Help: "Jobs that failed and will retry"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_failed_total", Help: "Jobs failed terminally"})
	JobsRecovered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_recovered_total", Help: "Stale running jobs requeued by the sweeper"})
	LeasesExpired    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_leases_expired_total", Help: "Expired leases deleted by the sweeper"})
	EventsAppended   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_events_appended_total", Help: "Events appended to the log"})
	EventsPruned     = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_events_pruned_total", Help: "Events removed by retention"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "orchestrator_jobs", Help: "Jobs by status"}, []string{"status"})
	VisibleJobsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_jobs_visible", Help: "Queued jobs ready to claim"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_jobs_inflight", Help: "Jobs executing in this worker"})
	StreamClients    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_stream_clients", Help: "Attached stream subscribers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			OrdersCreated,
			OrderConflicts,
			OrdersFinished,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerFailures,
			JobsRecovered,
			LeasesExpired,
			EventsAppended,
			EventsPruned,
			QueueDepthGauge,
			VisibleJobsGauge,
			InFlightGauge,
			StreamClients,
		)
	})
	return promhttp.Handler()
}
