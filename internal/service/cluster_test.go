package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/cachemesh/internal/algorithm"
	"github.com/devrev/cachemesh/internal/cluster"
	"github.com/devrev/cachemesh/internal/model"
	"github.com/devrev/cachemesh/internal/store"
	"github.com/devrev/cachemesh/internal/store/storetest"
)

// testCluster wires a ring, membership and fault-injectable in-memory backends
type testCluster struct {
	routing  *RoutingService
	backends map[string]*storetest.FaultyBackend
	pool     *store.BackendPool
}

func newTestCluster(t *testing.T, replicaCount int, nodeIDs ...string) *testCluster {
	t.Helper()

	logger := zap.NewNop()
	pool := store.NewBackendPool(nil, logger)
	routing := NewRoutingService(
		algorithm.NewConsistentHashRing(algorithm.DefaultVirtualNodes),
		cluster.NewMembership(logger),
		pool,
		replicaCount,
		logger,
	)
	tc := &testCluster{
		routing:  routing,
		backends: make(map[string]*storetest.FaultyBackend),
		pool:     pool,
	}
	for _, id := range nodeIDs {
		tc.addNode(t, id)
	}
	t.Cleanup(pool.Close)
	return tc
}

func (tc *testCluster) addNode(t *testing.T, nodeID string) *storetest.FaultyBackend {
	t.Helper()

	backend := storetest.NewFaultyBackend(nil)
	tc.backends[nodeID] = backend
	tc.pool.Register(nodeID, backend)
	_, err := tc.routing.AddNode(&model.Node{NodeID: nodeID, Address: nodeID})
	require.NoError(t, err)
	return backend
}

// markFailed records a failed probe for nodeID
func (tc *testCluster) markFailed(t *testing.T, nodeID string) {
	t.Helper()
	_, err := tc.routing.Membership().UpdateHealth(nodeID, cluster.ProbeResult{
		Status:    model.NodeStatusFailed,
		CheckedAt: time.Now(),
	})
	require.NoError(t, err)
}

// markHealthy records a passing health check for nodeID
func (tc *testCluster) markHealthy(t *testing.T, nodeID string) {
	t.Helper()
	_, err := tc.routing.Membership().UpdateHealth(nodeID, cluster.ProbeResult{
		Status:    model.NodeStatusHealthy,
		CheckedAt: time.Now(),
	})
	require.NoError(t, err)
}

// holders lists the nodes whose backend holds key
func (tc *testCluster) holders(t *testing.T, key string) []string {
	t.Helper()

	var out []string
	for _, id := range tc.routing.Membership().IDs() {
		ok, err := tc.backends[id].Inner().Exists(context.Background(), key)
		require.NoError(t, err)
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func nodeNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("node-%d", i+1)
	}
	return names
}

func testReplicationConfig(replicas, quorum int) model.ReplicationConfig {
	cfg := model.DefaultReplicationConfig()
	cfg.ReplicaCount = replicas
	cfg.Quorum = quorum
	cfg.FailoverTimeout = 200 * time.Millisecond
	return cfg
}
