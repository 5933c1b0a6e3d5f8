package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/cachemesh/internal/cluster"
	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/model"
)

func TestRoutingService_RouteAndReplicas(t *testing.T) {
	tc := newTestCluster(t, 2, nodeNames(4)...)

	for _, key := range []string{"alpha", "beta", "gamma", "delta"} {
		route, err := tc.routing.Route(key)
		require.NoError(t, err)
		require.Len(t, route, 3)

		primary, err := tc.routing.Primary(key)
		require.NoError(t, err)
		assert.Equal(t, primary, route[0])

		replicas, err := tc.routing.Replicas(key)
		require.NoError(t, err)
		assert.Equal(t, route[1:], replicas)
		assert.NotContains(t, replicas, primary)
	}
}

func TestRoutingService_EmptyRing(t *testing.T) {
	tc := newTestCluster(t, 1)

	_, err := tc.routing.Route("k")
	assert.ErrorIs(t, err, cacheerrors.ErrRingEmpty)
	_, _, err = tc.routing.LockBackendFor(context.Background(), "lock:k")
	assert.ErrorIs(t, err, cacheerrors.ErrRingEmpty)
}

func TestRoutingService_AddAndRemoveNode(t *testing.T) {
	tc := newTestCluster(t, 1, "node-1", "node-2")

	added, err := tc.routing.AddNode(&model.Node{NodeID: "node-1"})
	require.NoError(t, err)
	assert.False(t, added)

	node, ok := tc.routing.Membership().Get("node-1")
	require.True(t, ok)
	assert.NotEmpty(t, node.Slots)

	assert.True(t, tc.routing.RemoveNode("node-2"))
	assert.False(t, tc.routing.Ring().HasNode("node-2"))
	_, ok = tc.routing.Membership().Get("node-2")
	assert.False(t, ok)
	assert.False(t, tc.routing.RemoveNode("node-2"))
	assert.Equal(t, 1, tc.routing.NodeCount())
}

func TestRoutingService_SyncRingWithHealth(t *testing.T) {
	tc := newTestCluster(t, 1, nodeNames(3)...)

	tc.markFailed(t, "node-2")
	removed, restored := tc.routing.SyncRingWithHealth()
	assert.Equal(t, []string{"node-2"}, removed)
	assert.Empty(t, restored)
	assert.False(t, tc.routing.Ring().HasNode("node-2"))

	node, ok := tc.routing.Membership().Get("node-2")
	require.True(t, ok, "failed nodes stay registered")
	assert.Empty(t, node.Slots)

	_, err := tc.routing.Membership().UpdateHealth("node-2", cluster.ProbeResult{
		Status:    model.NodeStatusHealthy,
		CheckedAt: time.Now(),
	})
	require.NoError(t, err)
	removed, restored = tc.routing.SyncRingWithHealth()
	assert.Empty(t, removed)
	assert.Equal(t, []string{"node-2"}, restored)
	assert.True(t, tc.routing.Ring().HasNode("node-2"))
}

func TestRoutingService_LockBackendFor(t *testing.T) {
	tc := newTestCluster(t, 1, nodeNames(3)...)

	primary, err := tc.routing.Primary("lock:orders")
	require.NoError(t, err)

	backend, nodeID, err := tc.routing.LockBackendFor(context.Background(), "lock:orders")
	require.NoError(t, err)
	assert.Equal(t, primary, nodeID)
	assert.Same(t, tc.backends[primary], backend)
}

func TestRoutingService_GossipEvents(t *testing.T) {
	tc := newTestCluster(t, 1, "node-1")

	tc.routing.NodeJoined(&model.Node{NodeID: "node-2", Role: model.NodeRoleReplica})
	assert.True(t, tc.routing.Ring().HasNode("node-2"))

	tc.routing.NodeJoined(&model.Node{NodeID: "node-3", Role: "leader"})
	assert.False(t, tc.routing.Ring().HasNode("node-3"))

	tc.routing.NodeLeft("node-2")
	assert.True(t, tc.routing.Ring().HasNode("node-2"))
}
