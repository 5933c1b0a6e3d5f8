package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/cachemesh/internal/algorithm"
	"github.com/devrev/cachemesh/internal/cluster"
	"github.com/devrev/cachemesh/internal/model"
	"github.com/devrev/cachemesh/internal/store"
)

// BackendProvider resolves a node id to its backend connection
type BackendProvider interface {
	Backend(ctx context.Context, nodeID string) (store.Backend, error)
}

// RoutingService keeps the hash ring, the membership registry and the node
// backends in step, and answers which nodes own a key.
type RoutingService struct {
	ring         *algorithm.ConsistentHashRing
	membership   *cluster.Membership
	backends     *store.BackendPool
	replicaCount int
	mu           sync.Mutex // serialises topology changes
	logger       *zap.Logger
}

// NewRoutingService creates a routing service placing replicaCount replicas after each primary
func NewRoutingService(
	ring *algorithm.ConsistentHashRing,
	membership *cluster.Membership,
	backends *store.BackendPool,
	replicaCount int,
	logger *zap.Logger,
) *RoutingService {
	return &RoutingService{
		ring:         ring,
		membership:   membership,
		backends:     backends,
		replicaCount: replicaCount,
		logger:       logger,
	}
}

// AddNode registers a node and places it on the ring
func (s *RoutingService) AddNode(node *model.Node) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added, err := s.membership.Register(node)
	if err != nil {
		return false, err
	}
	if s.ring.HasNode(node.NodeID) {
		return added, nil
	}
	if err := s.ring.AddNode(node.NodeID); err != nil {
		return false, err
	}
	s.membership.SetSlots(node.NodeID, s.ring.Slots(node.NodeID))

	s.logger.Info("Hash ring updated",
		zap.String("change", "node_added"),
		zap.String("node_id", node.NodeID),
		zap.Int("node_count", s.ring.NodeCount()))
	return true, nil
}

// RemoveNode takes a node off the ring, forgets it and closes its backend
func (s *RoutingService) RemoveNode(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	onRing := s.ring.RemoveNode(nodeID)
	registered := s.membership.Deregister(nodeID)
	s.backends.Remove(nodeID)

	if onRing {
		s.logger.Info("Hash ring updated",
			zap.String("change", "node_removed"),
			zap.String("node_id", nodeID),
			zap.Int("node_count", s.ring.NodeCount()))
	}
	return onRing || registered
}

// SyncRingWithHealth takes failed nodes off the ring and puts recovered ones
// back, keeping them registered. It returns the node ids that moved.
func (s *RoutingService) SyncRingWithHealth() (removed, restored []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.membership.List() {
		onRing := s.ring.HasNode(n.NodeID)
		switch {
		case n.Status == model.NodeStatusFailed && onRing:
			s.ring.RemoveNode(n.NodeID)
			s.membership.SetSlots(n.NodeID, nil)
			removed = append(removed, n.NodeID)
		case n.Status != model.NodeStatusFailed && !onRing:
			if err := s.ring.AddNode(n.NodeID); err != nil {
				s.logger.Error("Failed to restore node on ring", zap.String("node_id", n.NodeID), zap.Error(err))
				continue
			}
			s.membership.SetSlots(n.NodeID, s.ring.Slots(n.NodeID))
			restored = append(restored, n.NodeID)
		}
	}

	if len(removed) > 0 || len(restored) > 0 {
		s.logger.Info("Hash ring updated",
			zap.String("change", "health_sync"),
			zap.Strings("removed", removed),
			zap.Strings("restored", restored),
			zap.Int("node_count", s.ring.NodeCount()))
	}
	return removed, restored
}

// Route returns the primary followed by up to replicaCount distinct replicas
func (s *RoutingService) Route(key string) ([]string, error) {
	return s.ring.NodesFor(key, s.replicaCount+1)
}

// Primary returns the ring owner of key
func (s *RoutingService) Primary(key string) (string, error) {
	return s.ring.NodeFor(key)
}

// Backend implements BackendProvider
func (s *RoutingService) Backend(ctx context.Context, nodeID string) (store.Backend, error) {
	return s.backends.Get(ctx, nodeID)
}

// LockBackendFor routes a lock key to the backend of its ring primary
func (s *RoutingService) LockBackendFor(ctx context.Context, key string) (store.LockBackend, string, error) {
	nodeID, err := s.ring.NodeFor(key)
	if err != nil {
		return nil, "", err
	}
	backend, err := s.backends.Get(ctx, nodeID)
	if err != nil {
		return nil, nodeID, err
	}
	return backend, nodeID, nil
}

// Ring returns the live ring
func (s *RoutingService) Ring() *algorithm.ConsistentHashRing {
	return s.ring
}

// Membership returns the node registry
func (s *RoutingService) Membership() *cluster.Membership {
	return s.membership
}

// ReplicaCount returns the configured number of replicas per key
func (s *RoutingService) ReplicaCount() int {
	return s.replicaCount
}

// NodeCount returns the number of nodes on the ring
func (s *RoutingService) NodeCount() int {
	return s.ring.NodeCount()
}

// NodeJoined implements cluster.NodeEventHandler
func (s *RoutingService) NodeJoined(node *model.Node) {
	if _, err := s.AddNode(node); err != nil {
		s.logger.Warn("Failed to add gossiped node",
			zap.String("node_id", node.NodeID),
			zap.Error(err))
	}
}

// NodeLeft implements cluster.NodeEventHandler. Nodes stay on the ring until a
// health probe marks them failed and a rebalance takes them off.
func (s *RoutingService) NodeLeft(nodeID string) {
	s.logger.Info("Gossip reported node departure; awaiting health probe",
		zap.String("node_id", nodeID))
}

// Replicas returns the replica nodes of key, excluding the primary
func (s *RoutingService) Replicas(key string) ([]string, error) {
	nodes, err := s.Route(key)
	if err != nil {
		return nil, err
	}
	return nodes[1:], nil
}
