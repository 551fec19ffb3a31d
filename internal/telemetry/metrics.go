package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted          = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_started_total", Help: "Sync jobs launched"})
	JobsFinished         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_jobs_finished_total", Help: "Sync jobs reaching a terminal state"}, []string{"status"})
	ActiveJobs           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_jobs_active", Help: "Sync jobs currently running in this process"})
	PagesFetched         = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_pages_fetched_total", Help: "Pages fetched from the telephony API"})
	RecordsProcessed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_records_processed_total", Help: "Records processed by outcome"}, []string{"outcome"})
	RetryRecords         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_retry_records_total", Help: "Records handled by retry passes by result"}, []string{"result"})
	UpstreamRequests     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dialpad_requests_total", Help: "Telephony API requests by result"}, []string{"result"})
	UpstreamRateLimited  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dialpad_rate_limited_total", Help: "HTTP 429 responses from the telephony API"})
	BreakerState         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dialpad_circuit_breaker_state", Help: "0 closed, 1 half-open, 2 open"})
	RateLimitWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "sync_rate_limit_wait_seconds", Help: "Time spent waiting on the outbound rate limiter", Buckets: prometheus.ExponentialBuckets(0.01, 2, 12)})
	IngressRejects       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_ingress_rate_limit_rejects_total", Help: "Sync requests rejected by the ingress limiter"})
	ProgressDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_progress_events_dropped_total", Help: "Progress events replaced before a slow subscriber read them"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsFinished,
			ActiveJobs,
			PagesFetched,
			RecordsProcessed,
			RetryRecords,
			UpstreamRequests,
			UpstreamRateLimited,
			BreakerState,
			RateLimitWaitSeconds,
			IngressRejects,
			ProgressDropped,
		)
	})
	return promhttp.Handler()
}
