package model

import "time"

// NodeRole is the role a node plays for its shard
type NodeRole string

const (
	NodeRolePrimary NodeRole = "primary"
	NodeRoleReplica NodeRole = "replica"
	NodeRoleStandby NodeRole = "standby"
)

// NodeStatus is the health status assigned by the health monitor
type NodeStatus string

const (
	// NodeStatusHealthy indicates the last probe succeeded within the latency budget
	NodeStatusHealthy NodeStatus = "healthy"
	// NodeStatusDegraded indicates a slow probe or a failed stats call
	NodeStatusDegraded NodeStatus = "degraded"
	// NodeStatusFailed indicates the node did not answer the last probe
	NodeStatusFailed NodeStatus = "failed"
	// NodeStatusUnknown is the status of a node that was never probed
	NodeStatusUnknown NodeStatus = "unknown"
)

// ClusterStatus is the aggregate of all node statuses
type ClusterStatus string

const (
	ClusterStatusHealthy  ClusterStatus = "healthy"
	ClusterStatusDegraded ClusterStatus = "degraded"
	ClusterStatusCritical ClusterStatus = "critical"
)

// Node describes one physical cache node
type Node struct {
	NodeID        string     `json:"node_id"`
	Address       string     `json:"address"`
	Role          NodeRole   `json:"role"`
	Status        NodeStatus `json:"status"`
	ShardID       int        `json:"shard_id"`
	Slots         []uint64   `json:"-"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	LatencyMs     float64    `json:"latency_ms"`
	MemoryUsedMB  float64    `json:"memory_used_mb"`
	KeysCount     int64      `json:"keys_count"`
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	c := *n
	if n.Slots != nil {
		c.Slots = append([]uint64(nil), n.Slots...)
	}
	return &c
}

// IsAvailable reports whether the node may serve traffic
func (n *Node) IsAvailable() bool {
	return n.Status != NodeStatusFailed
}

// NodeStats is what a backend reports about itself during a health probe
type NodeStats struct {
	MemoryUsedBytes int64
	KeysCount       int64
}

// ClusterHealth is the result of one monitoring pass
type ClusterHealth struct {
	Status        ClusterStatus `json:"status"`
	TotalNodes    int           `json:"total_nodes"`
	HealthyNodes  int           `json:"healthy_nodes"`
	DegradedNodes int           `json:"degraded_nodes"`
	FailedNodes   int           `json:"failed_nodes"`
	Nodes         []*Node       `json:"nodes"`
	CheckedAt     time.Time     `json:"checked_at"`
}
