// Package metrics provides Prometheus instrumentation for the payment
// reconciler. Collectors are registered once via Init and exposed through
// Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecoveryAttemptsTotal counts recovery outcomes by reason code.
	RecoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_recovery_attempts_total",
			Help: "Total recovery attempts by outcome reason",
		},
		[]string{"reason"},
	)

	// RecoveryDuration observes end-to-end recovery attempt latency.
	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconciler_recovery_duration_seconds",
			Help:    "Recovery attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SchedulerRunsTotal counts reconciliation runs by result.
	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_scheduler_runs_total",
			Help: "Total reconciliation scheduler runs",
		},
		[]string{"result"},
	)

	// SchedulerProcessed counts payments driven through the engine per run type.
	SchedulerProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_scheduler_processed_total",
			Help: "Total candidate payments processed by the scheduler",
		},
		[]string{"source"},
	)

	// BreakerStateChanges counts circuit breaker transitions.
	BreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// VelocityViolationsTotal counts velocity violations by dimension and severity.
	VelocityViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_velocity_violations_total",
			Help: "Total velocity limit violations",
		},
		[]string{"dimension", "severity"},
	)

	// IdempotencyHitsTotal counts idempotency cache lookups by result.
	IdempotencyHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_idempotency_lookups_total",
			Help: "Total idempotency cache lookups",
		},
		[]string{"result"},
	)

	// AlertsSentTotal counts alerts published by severity.
	AlertsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_alerts_sent_total",
			Help: "Total alerts published",
		},
		[]string{"severity"},
	)
)

var registered bool

// Init registers all metric collectors with the default Prometheus
// registry. Safe to call more than once (tests share the registry).
func Init() {
	if registered {
		return
	}
	registered = true

	prometheus.MustRegister(
		RecoveryAttemptsTotal,
		RecoveryDuration,
		SchedulerRunsTotal,
		SchedulerProcessed,
		BreakerStateChanges,
		VelocityViolationsTotal,
		IdempotencyHitsTotal,
		AlertsSentTotal,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
