package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/model"
)

func TestMembership_Register(t *testing.T) {
	m := NewMembership(zap.NewNop())

	added, err := m.Register(&model.Node{NodeID: "10.0.0.1:6379", Status: model.NodeStatusHealthy})
	require.NoError(t, err)
	assert.True(t, added)

	n, ok := m.Get("10.0.0.1:6379")
	require.True(t, ok)
	assert.Equal(t, model.NodeStatusUnknown, n.Status, "status is only set by health probes")
	assert.Equal(t, model.NodeRolePrimary, n.Role)
	assert.Equal(t, "10.0.0.1:6379", n.Address)

	added, err = m.Register(&model.Node{NodeID: "10.0.0.1:6379", Role: model.NodeRoleReplica, ShardID: 3})
	require.NoError(t, err)
	assert.False(t, added)
	n, _ = m.Get("10.0.0.1:6379")
	assert.Equal(t, model.NodeRoleReplica, n.Role)
	assert.Equal(t, 3, n.ShardID)
}

func TestMembership_RegisterValidation(t *testing.T) {
	m := NewMembership(zap.NewNop())

	_, err := m.Register(&model.Node{})
	assert.ErrorIs(t, err, cacheerrors.ErrInvalidArgument)

	_, err = m.Register(&model.Node{NodeID: "a:1", Role: "leader"})
	assert.ErrorIs(t, err, cacheerrors.ErrInvalidArgument)
}

func TestMembership_GetReturnsCopy(t *testing.T) {
	m := NewMembership(zap.NewNop())
	_, err := m.Register(&model.Node{NodeID: "a:1"})
	require.NoError(t, err)

	n, _ := m.Get("a:1")
	n.Status = model.NodeStatusFailed
	assert.Equal(t, model.NodeStatusUnknown, m.Status("a:1"))
}

func TestMembership_UpdateHealth(t *testing.T) {
	m := NewMembership(zap.NewNop())
	_, err := m.Register(&model.Node{NodeID: "a:1"})
	require.NoError(t, err)

	now := time.Now()
	tr, err := m.UpdateHealth("a:1", ProbeResult{
		Status:    model.NodeStatusHealthy,
		Latency:   1500 * time.Microsecond,
		Stats:     &model.NodeStats{MemoryUsedBytes: 2 << 20, KeysCount: 42},
		CheckedAt: now,
	})
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, model.NodeStatusUnknown, tr.From)
	assert.Equal(t, model.NodeStatusHealthy, tr.To)

	n, _ := m.Get("a:1")
	assert.InDelta(t, 1.5, n.LatencyMs, 1e-9)
	assert.InDelta(t, 2.0, n.MemoryUsedMB, 1e-9)
	assert.Equal(t, int64(42), n.KeysCount)
	assert.Equal(t, now, n.LastHeartbeat)

	tr, err = m.UpdateHealth("a:1", ProbeResult{Status: model.NodeStatusHealthy, CheckedAt: now})
	require.NoError(t, err)
	assert.Nil(t, tr, "no transition for an unchanged status")

	tr, err = m.UpdateHealth("a:1", ProbeResult{Status: model.NodeStatusFailed, CheckedAt: now.Add(time.Second)})
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, model.NodeStatusFailed, tr.To)
	assert.False(t, m.IsAvailable("a:1"))

	n, _ = m.Get("a:1")
	assert.Equal(t, now, n.LastHeartbeat, "failed probes do not count as heartbeats")

	_, err = m.UpdateHealth("missing:1", ProbeResult{Status: model.NodeStatusHealthy})
	assert.Error(t, err)
}

func TestMembership_ListAndDeregister(t *testing.T) {
	m := NewMembership(zap.NewNop())
	for _, id := range []string{"c:1", "a:1", "b:1"} {
		_, err := m.Register(&model.Node{NodeID: id})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"a:1", "b:1", "c:1"}, m.IDs())
	nodes := m.List()
	require.Len(t, nodes, 3)
	assert.Equal(t, "a:1", nodes[0].NodeID)

	assert.True(t, m.Deregister("b:1"))
	assert.False(t, m.Deregister("b:1"))
	assert.Equal(t, []string{"a:1", "c:1"}, m.IDs())
	assert.Equal(t, model.NodeStatusUnknown, m.Status("b:1"))
}

func TestAggregate(t *testing.T) {
	nodes := func(statuses ...model.NodeStatus) []*model.Node {
		out := make([]*model.Node, len(statuses))
		for i, s := range statuses {
			out[i] = &model.Node{NodeID: string(rune('a' + i)), Status: s}
		}
		return out
	}
	h, d, f := model.NodeStatusHealthy, model.NodeStatusDegraded, model.NodeStatusFailed

	tests := []struct {
		name  string
		nodes []*model.Node
		want  model.ClusterStatus
	}{
		{"empty cluster", nil, model.ClusterStatusHealthy},
		{"all healthy", nodes(h, h, h), model.ClusterStatusHealthy},
		{"one degraded", nodes(h, d, h), model.ClusterStatusDegraded},
		{"one failed of three", nodes(h, f, h), model.ClusterStatusDegraded},
		{"exactly half failed", nodes(h, f, h, f), model.ClusterStatusDegraded},
		{"majority failed", nodes(f, f, h), model.ClusterStatusCritical},
		{"unknown only", nodes(model.NodeStatusUnknown), model.ClusterStatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.nodes).Status)
		})
	}

	agg := Aggregate(nodes(h, d, f, f, f))
	assert.Equal(t, 5, agg.TotalNodes)
	assert.Equal(t, 1, agg.HealthyNodes)
	assert.Equal(t, 1, agg.DegradedNodes)
	assert.Equal(t, 3, agg.FailedNodes)
}
