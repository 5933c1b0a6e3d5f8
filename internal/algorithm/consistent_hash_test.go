package algorithm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
)

func newTestRing(t *testing.T, nodes ...string) *ConsistentHashRing {
	t.Helper()
	r := NewConsistentHashRing(DefaultVirtualNodes)
	for _, n := range nodes {
		require.NoError(t, r.AddNode(n))
	}
	return r
}

func testKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	return keys
}

func TestConsistentHashRing_EmptyRing(t *testing.T) {
	r := NewConsistentHashRing(10)

	_, err := r.NodeFor("anything")
	assert.ErrorIs(t, err, cacheerrors.ErrRingEmpty)

	_, err = r.NodesFor("anything", 3)
	assert.ErrorIs(t, err, cacheerrors.ErrRingEmpty)
}

func TestConsistentHashRing_AddNodeContributesVirtualNodes(t *testing.T) {
	r := newTestRing(t, "10.0.0.1:6379", "10.0.0.2:6379")

	assert.Equal(t, 2, r.NodeCount())
	assert.Equal(t, 2*DefaultVirtualNodes, r.Size())
	assert.Len(t, r.Slots("10.0.0.1:6379"), DefaultVirtualNodes)

	// Re-adding is a no-op
	require.NoError(t, r.AddNode("10.0.0.1:6379"))
	assert.Equal(t, 2*DefaultVirtualNodes, r.Size())

	for i := 1; i < len(r.ring); i++ {
		assert.LessOrEqual(t, r.ring[i-1], r.ring[i], "ring must stay sorted")
	}
}

func TestConsistentHashRing_AddNodeRejectsEmptyID(t *testing.T) {
	r := NewConsistentHashRing(10)
	err := r.AddNode("")
	assert.ErrorIs(t, err, cacheerrors.ErrInvalidArgument)
}

func TestConsistentHashRing_RemoveNode(t *testing.T) {
	r := newTestRing(t, "a:1", "b:1", "c:1")

	assert.True(t, r.RemoveNode("b:1"))
	assert.False(t, r.RemoveNode("b:1"))
	assert.Equal(t, 2, r.NodeCount())
	assert.Equal(t, 2*DefaultVirtualNodes, r.Size())
	assert.Empty(t, r.Slots("b:1"))

	for _, key := range testKeys(500) {
		owner, err := r.NodeFor(key)
		require.NoError(t, err)
		assert.NotEqual(t, "b:1", owner)
	}
}

func TestConsistentHashRing_DeterministicLookup(t *testing.T) {
	r1 := newTestRing(t, "a:1", "b:1", "c:1")
	r2 := newTestRing(t, "c:1", "a:1", "b:1")

	for _, key := range testKeys(1000) {
		n1, err := r1.NodeFor(key)
		require.NoError(t, err)
		n2, err := r2.NodeFor(key)
		require.NoError(t, err)
		assert.Equal(t, n1, n2, "insertion order must not affect ownership of %s", key)

		again, _ := r1.NodeFor(key)
		assert.Equal(t, n1, again)
	}
}

func TestConsistentHashRing_AddingNodeMovesFewKeys(t *testing.T) {
	tests := []struct {
		name          string
		existingNodes int
	}{
		{"3 to 4 nodes", 3},
		{"5 to 6 nodes", 5},
		{"9 to 10 nodes", 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewConsistentHashRing(DefaultVirtualNodes)
			for i := 0; i < tt.existingNodes; i++ {
				require.NoError(t, r.AddNode(fmt.Sprintf("node-%d:6379", i)))
			}

			keys := testKeys(10000)
			before := make(map[string]string, len(keys))
			for _, k := range keys {
				before[k], _ = r.NodeFor(k)
			}

			newNode := "node-new:6379"
			require.NoError(t, r.AddNode(newNode))

			moved := 0
			for _, k := range keys {
				after, _ := r.NodeFor(k)
				if after != before[k] {
					moved++
					assert.Equal(t, newNode, after, "keys may only move to the added node")
				}
			}

			total := tt.existingNodes + 1
			assert.Greater(t, moved, 0)
			assert.LessOrEqual(t, float64(moved)/float64(len(keys)), 2.0/float64(total))
		})
	}
}

func TestConsistentHashRing_RemovingNodeMovesOnlyItsKeys(t *testing.T) {
	r := newTestRing(t, "a:1", "b:1", "c:1", "d:1")

	keys := testKeys(5000)
	before := make(map[string]string, len(keys))
	for _, k := range keys {
		before[k], _ = r.NodeFor(k)
	}

	r.RemoveNode("c:1")

	for _, k := range keys {
		after, _ := r.NodeFor(k)
		if before[k] != "c:1" {
			assert.Equal(t, before[k], after)
		}
	}
}

func TestConsistentHashRing_NodesFor(t *testing.T) {
	r := newTestRing(t, "a:1", "b:1", "c:1")

	t.Run("distinct physical nodes with primary first", func(t *testing.T) {
		for _, key := range testKeys(200) {
			nodes, err := r.NodesFor(key, 3)
			require.NoError(t, err)
			require.Len(t, nodes, 3)
			assert.ElementsMatch(t, []string{"a:1", "b:1", "c:1"}, nodes)

			primary, _ := r.NodeFor(key)
			assert.Equal(t, primary, nodes[0])
		}
	})

	t.Run("count capped by node count", func(t *testing.T) {
		nodes, err := r.NodesFor("k", 10)
		require.NoError(t, err)
		assert.Len(t, nodes, 3)
	})

	t.Run("deterministic replica order", func(t *testing.T) {
		n1, _ := r.NodesFor("user:42", 2)
		n2, _ := r.NodesFor("user:42", 2)
		assert.Equal(t, n1, n2)
	})
}

func TestConsistentHashRing_WrapAround(t *testing.T) {
	r := newTestRing(t, "a:1", "b:1")

	last := r.ring[len(r.ring)-1]
	first := r.ring[0]

	nodes := r.NodesForHash(last+1, 1)
	require.Len(t, nodes, 1)
	assert.Equal(t, r.ringMap[first], nodes[0])
}

func TestConsistentHashRing_CloneIsIndependent(t *testing.T) {
	r := newTestRing(t, "a:1", "b:1")
	c := r.Clone()

	require.NoError(t, r.AddNode("c:1"))
	assert.Equal(t, 2, c.NodeCount())
	assert.Equal(t, 3, r.NodeCount())
	assert.Equal(t, []string{"a:1", "b:1"}, c.Nodes())
}

func TestAffectedRanges(t *testing.T) {
	prev := newTestRing(t, "a:1", "b:1", "c:1")
	next := prev.Clone()
	require.NoError(t, next.AddNode("d:1"))

	t.Run("identical rings have no affected ranges", func(t *testing.T) {
		assert.Empty(t, AffectedRanges(prev, prev.Clone(), 2))
	})

	ranges := AffectedRanges(prev, next, 2)
	require.NotEmpty(t, ranges)

	for _, key := range testKeys(3000) {
		h := Hash(key)
		oldOwners := prev.NodesForHash(h, 2)
		newOwners := next.NodesForHash(h, 2)

		inRange := false
		for _, rg := range ranges {
			if rg.Contains(h) {
				inRange = true
				assert.ElementsMatch(t, oldOwners, rg.OldOwners)
				assert.ElementsMatch(t, newOwners, rg.NewOwners)
				break
			}
		}
		if !inRange {
			assert.ElementsMatch(t, oldOwners, newOwners, "key %s changed owners outside affected ranges", key)
		}
	}
}

func TestAffectedRanges_FromEmptyRing(t *testing.T) {
	prev := NewConsistentHashRing(10)
	next := newTestRing(t, "a:1")

	ranges := AffectedRanges(prev, next, 1)
	assert.Len(t, ranges, DefaultVirtualNodes)
	for _, rg := range ranges {
		assert.Nil(t, rg.OldOwners)
		assert.Equal(t, []string{"a:1"}, rg.NewOwners)
	}
}
