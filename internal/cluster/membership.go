package cluster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/model"
)

// ProbeResult is what the health monitor learned about a node in one pass
type ProbeResult struct {
	Status    model.NodeStatus
	Latency   time.Duration
	Stats     *model.NodeStats
	CheckedAt time.Time
}

// Transition records a status change applied by UpdateHealth
type Transition struct {
	NodeID string
	From   model.NodeStatus
	To     model.NodeStatus
}

// Membership is the registry of cluster nodes. Node status is only changed
// through UpdateHealth, which the health monitor owns.
type Membership struct {
	nodes  map[string]*model.Node
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewMembership creates an empty registry
func NewMembership(logger *zap.Logger) *Membership {
	return &Membership{
		nodes:  make(map[string]*model.Node),
		logger: logger,
	}
}

// Register adds a node with unknown status. It returns false if the node was
// already registered, in which case role and shard are refreshed.
func (m *Membership) Register(node *model.Node) (bool, error) {
	if node == nil || node.NodeID == "" {
		return false, cacheerrors.InvalidArgument("node id must not be empty", nil)
	}
	n := node.Clone()
	if n.Role == "" {
		n.Role = model.NodeRolePrimary
	}
	if n.Address == "" {
		n.Address = n.NodeID
	}
	switch n.Role {
	case model.NodeRolePrimary, model.NodeRoleReplica, model.NodeRoleStandby:
	default:
		return false, cacheerrors.InvalidArgument(fmt.Sprintf("unknown node role %q", n.Role), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.nodes[n.NodeID]; ok {
		existing.Role = n.Role
		existing.ShardID = n.ShardID
		existing.Address = n.Address
		return false, nil
	}

	n.Status = model.NodeStatusUnknown
	m.nodes[n.NodeID] = n

	m.logger.Info("Node registered",
		zap.String("node_id", n.NodeID),
		zap.String("role", string(n.Role)),
		zap.Int("shard_id", n.ShardID))
	return true, nil
}

// Deregister removes a node, reporting whether it existed
func (m *Membership) Deregister(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[nodeID]; !ok {
		return false
	}
	delete(m.nodes, nodeID)
	m.logger.Info("Node deregistered", zap.String("node_id", nodeID))
	return true
}

// Get returns a copy of a node
func (m *Membership) Get(nodeID string) (*model.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// List returns copies of all nodes sorted by id
func (m *Membership) List() []*model.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes
}

// IDs returns all node ids sorted
func (m *Membership) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns the current status of a node, unknown when not registered
func (m *Membership) Status(nodeID string) model.NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n, ok := m.nodes[nodeID]; ok {
		return n.Status
	}
	return model.NodeStatusUnknown
}

// IsAvailable reports whether a node is registered and not failed
func (m *Membership) IsAvailable(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[nodeID]
	return ok && n.IsAvailable()
}

// SetSlots records the ring positions owned by a node
func (m *Membership) SetSlots(nodeID string, slots []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[nodeID]; ok {
		n.Slots = slots
	}
}

// UpdateHealth applies a probe result and returns the status transition, if any
func (m *Membership) UpdateHealth(nodeID string, probe ProbeResult) (*Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, cacheerrors.InvalidArgument(fmt.Sprintf("node %s is not registered", nodeID), nil)
	}

	prev := n.Status
	n.Status = probe.Status
	n.LatencyMs = float64(probe.Latency.Microseconds()) / 1000
	if probe.Status != model.NodeStatusFailed {
		n.LastHeartbeat = probe.CheckedAt
	}
	if probe.Stats != nil {
		n.MemoryUsedMB = float64(probe.Stats.MemoryUsedBytes) / (1024 * 1024)
		n.KeysCount = probe.Stats.KeysCount
	}

	if prev == probe.Status {
		return nil, nil
	}
	return &Transition{NodeID: nodeID, From: prev, To: probe.Status}, nil
}

// Aggregate computes the cluster status: critical when more than half of the
// nodes failed, degraded when any node failed or is degraded, healthy otherwise.
func Aggregate(nodes []*model.Node) model.ClusterHealth {
	health := model.ClusterHealth{
		TotalNodes: len(nodes),
		Nodes:      nodes,
		CheckedAt:  time.Now(),
	}
	for _, n := range nodes {
		switch n.Status {
		case model.NodeStatusHealthy:
			health.HealthyNodes++
		case model.NodeStatusDegraded:
			health.DegradedNodes++
		case model.NodeStatusFailed:
			health.FailedNodes++
		}
	}

	switch {
	case health.TotalNodes > 0 && health.FailedNodes*2 > health.TotalNodes:
		health.Status = model.ClusterStatusCritical
	case health.FailedNodes > 0 || health.DegradedNodes > 0:
		health.Status = model.ClusterStatusDegraded
	default:
		health.Status = model.ClusterStatusHealthy
	}
	return health
}
