package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool metrics
	ActivePools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pbufpool_pools_active",
		Help: "Number of packet buffer pools currently registered",
	})

	PoolRefCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbufpool_pool_refcount",
		Help: "Reference count of a pool",
	}, []string{"pool"})

	// Allocation metrics
	ObjectsInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbufpool_objects_in_use",
		Help: "Objects currently handed out, by object kind",
	}, []string{"pool", "kind"})

	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbufpool_allocations_total",
		Help: "Total number of objects allocated",
	}, []string{"pool", "kind"})

	AllocFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbufpool_alloc_failures_total",
		Help: "Total number of failed allocation requests",
	}, []string{"pool", "kind", "reason"})

	// Validation table metrics
	ValidationEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbufpool_validation_entries",
		Help: "Live entries in an ownership validation table",
	}, []string{"pool", "table"})

	ValidationRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbufpool_validation_rejects_total",
		Help: "Externally supplied handles rejected by a validation table",
	}, []string{"pool", "table", "reason"})

	PurgedObjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbufpool_purged_objects_total",
		Help: "Objects reclaimed from owners that exited without freeing them",
	}, []string{"pool"})

	ConsistencyViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbufpool_consistency_violations_total",
		Help: "Contract breaches by trusted callers (double free, double insert, early destroy)",
	}, []string{"pool", "op"})

	// Cache metrics
	CacheReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbufpool_cache_reaped_objects_total",
		Help: "Objects released from cache magazines back to their region",
	}, []string{"pool", "cache"})

	ReapDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pbufpool_reap_duration_seconds",
		Help:    "Duration of a global cache reap",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
	})

	// Owner watcher metrics
	OwnerExitEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbufpool_owner_exit_events_total",
		Help: "Owner exit notifications received",
	}, []string{"result"})

	OwnershipSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbufpool_ownership_snapshots_total",
		Help: "Ownership snapshots written to Redis",
	}, []string{"result"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbufpool_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// Configuration reload metrics
	ConfigReloadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pbufpool_config_reload_errors_total",
		Help: "Total number of configuration reload errors",
	})
)

// IncAllocFailure increments the allocation failure counter
func IncAllocFailure(pool, kind, reason string) {
	AllocFailures.WithLabelValues(pool, kind, reason).Inc()
}

// IncValidationReject increments the validation reject counter
func IncValidationReject(pool, table, reason string) {
	ValidationRejects.WithLabelValues(pool, table, reason).Inc()
}

// DeletePool drops every series labelled with the pool name
func DeletePool(pool string) {
	labels := prometheus.Labels{"pool": pool}
	PoolRefCount.DeletePartialMatch(labels)
	ObjectsInUse.DeletePartialMatch(labels)
	Allocations.DeletePartialMatch(labels)
	AllocFailures.DeletePartialMatch(labels)
	ValidationEntries.DeletePartialMatch(labels)
	ValidationRejects.DeletePartialMatch(labels)
	PurgedObjects.DeletePartialMatch(labels)
	ConsistencyViolations.DeletePartialMatch(labels)
	CacheReaped.DeletePartialMatch(labels)
}
