package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	JobsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libsync_jobs_claimed_total",
			Help: "Total number of jobs claimed by the scheduler",
		},
		[]string{"type"},
	)

	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libsync_job_outcomes_total",
			Help: "Total number of handled job outcomes",
		},
		[]string{"type", "outcome"}, // "done", "continued", "rate_limited", "retry", "failed"
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "libsync_job_duration_seconds",
			Help:    "Time spent running one job delivery",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	JobsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "libsync_jobs_requeued_total",
			Help: "Total number of stale running jobs returned to the queue at startup",
		},
	)

	// Sync metrics
	ItemsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libsync_items_synced_total",
			Help: "Total number of catalog items written to the local store",
		},
		[]string{"resource"},
	)

	// Upstream metrics
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libsync_upstream_requests_total",
			Help: "Total number of upstream catalog requests by outcome class",
		},
		[]string{"class"}, // "ok", "rate_limited", "retryable", "unauthorized", "fatal"
	)

	UpstreamInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "libsync_upstream_inflight",
			Help: "Number of upstream requests currently holding a gate permit",
		},
	)

	GateWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "libsync_gate_wait_seconds",
			Help:    "Time spent waiting for a gate permit",
			Buckets: prometheus.DefBuckets,
		},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libsync_token_refreshes_total",
			Help: "Total number of refresh token exchanges",
		},
		[]string{"result"}, // "ok", "rotated", "error"
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "libsync_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libsync_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Status server
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libsync_http_requests_total",
			Help: "Total number of status server requests by route and status code",
		},
		[]string{"route", "code"},
	)

	// Worker liveness
	HeartbeatTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "libsync_heartbeat_timestamp_seconds",
			Help: "Unix time of the last heartbeat written by this process",
		},
	)
)

// RecordJob records the outcome and duration of one job delivery.
func RecordJob(jobType, outcome string, d time.Duration) {
	JobOutcomes.WithLabelValues(jobType, outcome).Inc()
	JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// RecordItems adds n written items for resource. Zero is ignored.
func RecordItems(resource string, n int) {
	if n > 0 {
		ItemsSynced.WithLabelValues(resource).Add(float64(n))
	}
}
