package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "riptide"

// Metrics holds all Prometheus metrics for the persistence layer
type Metrics struct {
	// Cache metrics
	CacheHitsTotal            prometheus.Counter
	CacheMissesTotal          prometheus.Counter
	CacheSetsTotal            prometheus.Counter
	CacheDeletesTotal         prometheus.Counter
	CacheSlowOperationsTotal  prometheus.Counter
	CacheIntegrityErrorsTotal prometheus.Counter
	CacheErrorsTotal          *prometheus.CounterVec
	CacheGetDuration          prometheus.Histogram
	CacheSetDuration          prometheus.Histogram
	CacheEntryBytes           prometheus.Histogram
	CacheCompressionRatio     prometheus.Histogram
	CacheBatchKeysTotal       *prometheus.CounterVec
	CacheInvalidationsTotal   *prometheus.CounterVec
	CacheLocalBytes           prometheus.Gauge

	// Session metrics
	SessionsActive         prometheus.Gauge
	SessionsCreatedTotal   prometheus.Counter
	SessionsExpiredTotal   prometheus.Counter
	SessionsRemovedTotal   prometheus.Counter
	SessionMemoryBytes     prometheus.Gauge
	SpilloverWritesTotal   prometheus.Counter
	SpilloverPromotesTotal prometheus.Counter

	// Checkpoint metrics
	CheckpointsCreatedTotal    *prometheus.CounterVec
	CheckpointFailuresTotal    prometheus.Counter
	CheckpointDuration         prometheus.Histogram
	CheckpointBytes            prometheus.Histogram
	CheckpointRestoreFallbacks prometheus.Counter
	CheckpointRestoreFailures  prometheus.Counter
	CheckpointsPrunedTotal     prometheus.Counter

	// Tenant metrics
	TenantUsage                *prometheus.GaugeVec
	TenantQuotaViolationsTotal *prometheus.CounterVec
	TenantOperationsTotal      *prometheus.CounterVec
	TenantAccessDeniedTotal    *prometheus.CounterVec

	// Coordination metrics
	IsLeader                   prometheus.Gauge
	ClusterNodes               prometheus.Gauge
	EventsPublishedTotal       *prometheus.CounterVec
	InvalidationsReceivedTotal prometheus.Counter
	HeartbeatFailuresTotal     prometheus.Counter

	// Outbox metrics
	OutboxPublishedTotal prometheus.Counter
	OutboxFailuresTotal  prometheus.Counter

	// Configuration metrics
	ConfigReloadsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	f := promauto.With(reg)

	counter := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}

	return &Metrics{
		CacheHitsTotal:            counter("cache", "hits_total", "Total number of cache hits"),
		CacheMissesTotal:          counter("cache", "misses_total", "Total number of cache misses"),
		CacheSetsTotal:            counter("cache", "sets_total", "Total number of cache writes"),
		CacheDeletesTotal:         counter("cache", "deletes_total", "Total number of cache deletions"),
		CacheSlowOperationsTotal:  counter("cache", "slow_operations_total", "Cache operations slower than the latency target"),
		CacheIntegrityErrorsTotal: counter("cache", "integrity_errors_total", "Cache entries rejected on digest mismatch"),
		CacheErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "errors_total",
			Help:        "Cache errors by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		CacheGetDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "get_duration_seconds",
			Help:        "Histogram of cache get durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),
		CacheSetDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "set_duration_seconds",
			Help:        "Histogram of cache set durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		CacheEntryBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "entry_bytes",
			Help:        "Histogram of uncompressed cache entry sizes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 4, 10), // 256B to 64MB
		}),
		CacheCompressionRatio: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "compression_ratio",
			Help:        "Compressed size divided by original size for compressed entries",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(0.1, 0.1, 9),
		}),
		CacheBatchKeysTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "batch_keys_total",
			Help:        "Keys processed by batch operations",
			ConstLabels: labels,
		}, []string{"operation", "outcome"}),
		CacheInvalidationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "invalidations_total",
			Help:        "Keys removed by invalidation",
			ConstLabels: labels,
		}, []string{"source"}),
		CacheLocalBytes: gauge("cache", "local_bytes", "Bytes held by the in-process near cache"),

		SessionsActive:         gauge("state", "sessions_active", "Sessions currently active"),
		SessionsCreatedTotal:   counter("state", "sessions_created_total", "Sessions created"),
		SessionsExpiredTotal:   counter("state", "sessions_expired_total", "Sessions expired by the idle sweep"),
		SessionsRemovedTotal:   counter("state", "sessions_removed_total", "Sessions removed after retention"),
		SessionMemoryBytes:     gauge("state", "session_memory_bytes", "Estimated bytes of sessions held in memory"),
		SpilloverWritesTotal:   counter("state", "spillover_writes_total", "Sessions spilled to disk"),
		SpilloverPromotesTotal: counter("state", "spillover_promotes_total", "Spilled sessions promoted back to memory"),

		CheckpointsCreatedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "created_total",
			Help:        "Checkpoints committed by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		CheckpointFailuresTotal: counter("checkpoint", "failures_total", "Checkpoint writes that failed"),
		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "duration_seconds",
			Help:        "Histogram of checkpoint write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		CheckpointBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "bytes",
			Help:        "Histogram of checkpoint file sizes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		CheckpointRestoreFallbacks: counter("checkpoint", "restore_fallbacks_total", "Restores that skipped a corrupt checkpoint"),
		CheckpointRestoreFailures:  counter("checkpoint", "restore_failures_total", "Restores that found no valid checkpoint"),
		CheckpointsPrunedTotal:     counter("checkpoint", "pruned_total", "Checkpoint files removed by retention"),

		TenantUsage: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "tenant",
			Name:        "usage",
			Help:        "Current tenant usage by resource",
			ConstLabels: labels,
		}, []string{"tenant_id", "resource"}),
		TenantQuotaViolationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "tenant",
			Name:        "quota_violations_total",
			Help:        "Operations rejected by quota",
			ConstLabels: labels,
		}, []string{"tenant_id", "resource"}),
		TenantOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "tenant",
			Name:        "operations_total",
			Help:        "Operations executed per tenant",
			ConstLabels: labels,
		}, []string{"tenant_id"}),
		TenantAccessDeniedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "tenant",
			Name:        "access_denied_total",
			Help:        "Operations rejected by access policy",
			ConstLabels: labels,
		}, []string{"tenant_id"}),

		IsLeader:     gauge("coordination", "is_leader", "1 when this node holds the leadership lease"),
		ClusterNodes: gauge("coordination", "nodes", "Live nodes in the cluster view"),
		EventsPublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "coordination",
			Name:        "events_published_total",
			Help:        "Coordination events published by channel kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		InvalidationsReceivedTotal: counter("coordination", "invalidations_received_total", "Invalidation events received from peers"),
		HeartbeatFailuresTotal:     counter("coordination", "heartbeat_failures_total", "Node heartbeats that failed"),

		OutboxPublishedTotal: counter("outbox", "published_total", "Outbox events published"),
		OutboxFailuresTotal:  counter("outbox", "failures_total", "Outbox publish attempts that failed"),

		ConfigReloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "config",
			Name:        "reloads_total",
			Help:        "Configuration reload attempts by result",
			ConstLabels: labels,
		}, []string{"result"}),
	}
}

// NewNop returns metrics bound to a private registry
func NewNop() *Metrics {
	return NewMetrics("nop", prometheus.NewRegistry())
}
