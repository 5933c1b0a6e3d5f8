package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink receives cache lookup outcomes. Implementations must not block.
type Sink interface {
	RecordHit(matchType string, latencyMs float64)
	RecordMiss(latencyMs float64)
	RecordEviction(count int)
}

// Recorder is the full set of instrumentation points used by the services
type Recorder interface {
	Sink
	RecordQuorumFailure(operation string)
	RecordReplicaWrite(nodeID, status string)
	RecordReplicaRead(nodeID, status string)
	RecordReplicaDelete(nodeID, status string)
	SetNodeStatus(nodeID, status string)
	SetClusterStatus(status string)
	RecordLock(outcome string)
	RecordRebalance(status string, keysMigrated int64)
	RecordRequest(method, route string, statusCode int, seconds float64)
}

var (
	nodeStatuses    = []string{"healthy", "degraded", "failed", "unknown"}
	clusterStatuses = []string{"healthy", "degraded", "critical"}
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Lookup metrics
	CacheHits     *prometheus.CounterVec
	CacheMisses   prometheus.Counter
	LookupLatency *prometheus.HistogramVec
	Evictions     prometheus.Counter

	// Replication metrics
	QuorumFailures *prometheus.CounterVec
	ReplicaWrites  *prometheus.CounterVec
	ReplicaReads   *prometheus.CounterVec
	ReplicaDeletes *prometheus.CounterVec

	// Cluster metrics
	NodeStatus    *prometheus.GaugeVec
	ClusterStatus *prometheus.GaugeVec

	// Coordination metrics
	LockOutcomes      *prometheus.CounterVec
	RebalancesTotal   *prometheus.CounterVec
	RebalancedKeys    prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPRequestLength *prometheus.HistogramVec
}

// NewMetrics creates metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_cache_hits_total",
				Help: "Total number of cache hits by match type",
			},
			[]string{"match_type"},
		),

		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cachemesh_cache_misses_total",
				Help: "Total number of cache misses",
			},
		),

		LookupLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cachemesh_lookup_duration_seconds",
				Help:    "Duration of cache lookups",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		Evictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cachemesh_evictions_total",
				Help: "Total number of entries evicted from the local store",
			},
		),

		QuorumFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_quorum_failures_total",
				Help: "Total number of writes that did not reach quorum",
			},
			[]string{"operation"},
		),

		ReplicaWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_replica_writes_total",
				Help: "Total number of writes sent to nodes",
			},
			[]string{"node_id", "status"},
		),

		ReplicaReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_replica_reads_total",
				Help: "Total number of reads sent to nodes",
			},
			[]string{"node_id", "status"},
		),

		ReplicaDeletes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_replica_deletes_total",
				Help: "Total number of deletes sent to nodes",
			},
			[]string{"node_id", "status"},
		),

		NodeStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cachemesh_node_status",
				Help: "1 for the current status of each node, 0 otherwise",
			},
			[]string{"node_id", "status"},
		),

		ClusterStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cachemesh_cluster_status",
				Help: "1 for the current aggregate cluster status, 0 otherwise",
			},
			[]string{"status"},
		),

		LockOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_lock_operations_total",
				Help: "Total number of distributed lock operations by outcome",
			},
			[]string{"outcome"},
		),

		RebalancesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_rebalances_total",
				Help: "Total number of rebalance runs by final status",
			},
			[]string{"status"},
		),

		RebalancedKeys: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cachemesh_rebalance_keys_migrated_total",
				Help: "Total number of keys copied to new owners during rebalancing",
			},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachemesh_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestLength: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cachemesh_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordHit records a hit of the given match type ("exact", "similar", "near")
func (m *Metrics) RecordHit(matchType string, latencyMs float64) {
	m.CacheHits.WithLabelValues(matchType).Inc()
	m.LookupLatency.WithLabelValues("hit").Observe(latencyMs / 1000)
}

// RecordMiss records a miss
func (m *Metrics) RecordMiss(latencyMs float64) {
	m.CacheMisses.Inc()
	m.LookupLatency.WithLabelValues("miss").Observe(latencyMs / 1000)
}

// RecordEviction records evicted entries
func (m *Metrics) RecordEviction(count int) {
	m.Evictions.Add(float64(count))
}

// RecordQuorumFailure records a quorum failure
func (m *Metrics) RecordQuorumFailure(operation string) {
	m.QuorumFailures.WithLabelValues(operation).Inc()
}

// RecordReplicaWrite records a write to a node
func (m *Metrics) RecordReplicaWrite(nodeID, status string) {
	m.ReplicaWrites.WithLabelValues(nodeID, status).Inc()
}

// RecordReplicaRead records a read from a node
func (m *Metrics) RecordReplicaRead(nodeID, status string) {
	m.ReplicaReads.WithLabelValues(nodeID, status).Inc()
}

// RecordReplicaDelete records a delete sent to a node
func (m *Metrics) RecordReplicaDelete(nodeID, status string) {
	m.ReplicaDeletes.WithLabelValues(nodeID, status).Inc()
}

// SetNodeStatus sets the status gauge of a node
func (m *Metrics) SetNodeStatus(nodeID, status string) {
	for _, s := range nodeStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.NodeStatus.WithLabelValues(nodeID, s).Set(v)
	}
}

// SetClusterStatus sets the aggregate status gauge
func (m *Metrics) SetClusterStatus(status string) {
	for _, s := range clusterStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.ClusterStatus.WithLabelValues(s).Set(v)
	}
}

// RecordLock records a lock operation outcome
func (m *Metrics) RecordLock(outcome string) {
	m.LockOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRebalance records a finished rebalance run
func (m *Metrics) RecordRebalance(status string, keysMigrated int64) {
	m.RebalancesTotal.WithLabelValues(status).Inc()
	m.RebalancedKeys.Add(float64(keysMigrated))
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(method, route string, statusCode int, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, route, statusClass(statusCode)).Inc()
	m.HTTPRequestLength.WithLabelValues(method, route).Observe(seconds)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
