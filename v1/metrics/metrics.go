package metrics

import "github.com/prometheus/client_golang/prometheus"

// Acquire outcomes used as the "outcome" label of LockAcquireCounter.
const (
	OutcomeCreated         = "created"
	OutcomeRefreshed       = "refreshed"
	OutcomeDenied          = "denied"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeError           = "error"
)

var (
	// LockAcquireCounter tracks acquire attempts by outcome.
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strafkatalog_lock_acquire_total",
		Help: "Total number of lock acquire attempts",
	}, []string{"outcome"})
	// LockReleaseCounter tracks release calls that reached the backend.
	LockReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strafkatalog_lock_release_total",
		Help: "Total number of lock releases",
	})
	// LockSweepCounter counts expired lock records removed by sweeps.
	LockSweepCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strafkatalog_lock_swept_total",
		Help: "Total number of expired lock records removed",
	})
	// LockStatusCounter tracks status checks.
	LockStatusCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strafkatalog_lock_status_checks_total",
		Help: "Total number of lock status checks",
	})
	// NotificationCounter counts change notifications received by sessions.
	NotificationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strafkatalog_lock_notifications_total",
		Help: "Total number of lock change notifications received",
	})
	// CatalogMutationCounter tracks catalog writes by operation and outcome.
	CatalogMutationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strafkatalog_catalog_mutations_total",
		Help: "Total number of catalog mutations",
	}, []string{"op", "outcome"})
	// SessionGauge reports the number of signed-in sessions.
	SessionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strafkatalog_sessions",
		Help: "Current number of signed-in sessions",
	})
	// BusPublishFailureCounter counts change notifications that failed to go
	// out, by key and reason ("error" or "circuit_open").
	BusPublishFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strafkatalog_bus_publish_failures_total",
		Help: "Total number of change notifications that could not be published",
	}, []string{"key", "reason"})
	// BusBreakerOpenGauge is 1 while the notification circuit breaker rejects
	// publishes.
	BusBreakerOpenGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strafkatalog_bus_breaker_open",
		Help: "Whether the change notification circuit breaker is open",
	})
	// WatcherGauge reports the number of active lock view streams.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strafkatalog_watchers",
		Help: "Current number of active lock view streams",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the lock and catalog metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireCounter,
		LockReleaseCounter,
		LockSweepCounter,
		LockStatusCounter,
		NotificationCounter,
		CatalogMutationCounter,
		SessionGauge,
		WatcherGauge,
		BusPublishFailureCounter,
		BusBreakerOpenGauge,
	)
}
