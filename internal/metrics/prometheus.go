package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine node
type Metrics struct {
	// Durability monitor metrics
	SyncWritesTracked    prometheus.Gauge
	SyncWritesAdded      prometheus.Counter
	SyncWritesCommitted  prometheus.Counter
	SyncWritesAborted    prometheus.Counter
	SyncWritesTimedOut   prometheus.Counter
	SeqnoAcksReceived    prometheus.Counter
	CommitLatency        prometheus.Histogram
	TopologyChangesTotal prometheus.Counter
	DurabilityImpossible prometheus.Counter

	// Failover table metrics
	FailoverEntriesTotal   prometheus.Gauge
	FailoverEntriesErased  prometheus.Counter
	RollbacksRequiredTotal prometheus.CounterVec
	FailoverTableReplaced  prometheus.Counter

	// Collections metrics
	ManifestUID             prometheus.Gauge
	ManifestUpdatesTotal    prometheus.Counter
	ManifestRejectionsTotal prometheus.Counter
	ScopesTotal             prometheus.Gauge
	CollectionsTotal        prometheus.Gauge

	// VBucket metrics
	VBucketsActive  prometheus.Gauge
	VBucketsReplica prometheus.Gauge
	HighSeqno       prometheus.Gauge
	PersistedSeqno  prometheus.Gauge

	// Gossip metrics
	GossipMembersTotal   prometheus.Gauge
	GossipMembersHealthy prometheus.Gauge

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		SyncWritesTracked: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "durability",
			Name:        "sync_writes_tracked",
			Help:        "Number of SyncWrites currently tracked by the durability monitor",
			ConstLabels: labels,
		}),
		SyncWritesAdded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "durability",
			Name:        "sync_writes_added_total",
			Help:        "Total number of SyncWrites accepted for tracking",
			ConstLabels: labels,
		}),
		SyncWritesCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "durability",
			Name:        "sync_writes_committed_total",
			Help:        "Total number of SyncWrites committed",
			ConstLabels: labels,
		}),
		SyncWritesAborted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "durability",
			Name:        "sync_writes_aborted_total",
			Help:        "Total number of SyncWrites aborted",
			ConstLabels: labels,
		}),
		SyncWritesTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "durability",
			Name:        "sync_writes_timed_out_total",
			Help:        "Total number of SyncWrites aborted due to timeout",
			ConstLabels: labels,
		}),
		SeqnoAcksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "durability",
			Name:        "seqno_acks_received_total",
			Help:        "Total number of seqno acknowledgements processed",
			ConstLabels: labels,
		}),
		CommitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "kvengine",
			Subsystem:   "durability",
			Name:        "commit_latency_seconds",
			Help:        "Histogram of prepare-to-commit latencies",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		TopologyChangesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "durability",
			Name:        "topology_changes_total",
			Help:        "Total number of replication topology changes installed",
			ConstLabels: labels,
		}),
		DurabilityImpossible: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "durability",
			Name:        "impossible_total",
			Help:        "Total number of durable writes rejected as impossible",
			ConstLabels: labels,
		}),

		FailoverEntriesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "failover",
			Name:        "entries_total",
			Help:        "Number of entries across all failover tables",
			ConstLabels: labels,
		}),
		FailoverEntriesErased: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "failover",
			Name:        "erroneous_entries_erased_total",
			Help:        "Total number of erroneous failover entries erased at load",
			ConstLabels: labels,
		}),
		RollbacksRequiredTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "failover",
			Name:        "rollbacks_required_total",
			Help:        "Total number of stream requests answered with a rollback",
			ConstLabels: labels,
		}, []string{"reason"}),
		FailoverTableReplaced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "failover",
			Name:        "tables_replaced_total",
			Help:        "Total number of failover tables replaced from the wire",
			ConstLabels: labels,
		}),

		ManifestUID: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "collections",
			Name:        "manifest_uid",
			Help:        "UID of the currently installed collections manifest",
			ConstLabels: labels,
		}),
		ManifestUpdatesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "collections",
			Name:        "manifest_updates_total",
			Help:        "Total number of manifest successors installed",
			ConstLabels: labels,
		}),
		ManifestRejectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvengine",
			Subsystem:   "collections",
			Name:        "manifest_rejections_total",
			Help:        "Total number of manifests rejected as non-successors",
			ConstLabels: labels,
		}),
		ScopesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "collections",
			Name:        "scopes_total",
			Help:        "Number of scopes in the current manifest",
			ConstLabels: labels,
		}),
		CollectionsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "collections",
			Name:        "collections_total",
			Help:        "Number of collections in the current manifest",
			ConstLabels: labels,
		}),

		VBucketsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "vbucket",
			Name:        "active_total",
			Help:        "Number of vbuckets in active state",
			ConstLabels: labels,
		}),
		VBucketsReplica: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "vbucket",
			Name:        "replica_total",
			Help:        "Number of vbuckets in replica state",
			ConstLabels: labels,
		}),
		HighSeqno: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "vbucket",
			Name:        "high_seqno",
			Help:        "Highest seqno assigned across vbuckets",
			ConstLabels: labels,
		}),
		PersistedSeqno: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "vbucket",
			Name:        "persisted_seqno",
			Help:        "Highest persisted seqno across vbuckets",
			ConstLabels: labels,
		}),

		GossipMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Number of members known to the gossip layer",
			ConstLabels: labels,
		}),
		GossipMembersHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "gossip",
			Name:        "members_healthy",
			Help:        "Number of healthy members known to the gossip layer",
			ConstLabels: labels,
		}),

		MemoryUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current heap memory usage",
			ConstLabels: labels,
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kvengine",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}
