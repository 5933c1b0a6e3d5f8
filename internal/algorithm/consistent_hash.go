package algorithm

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/model"
)

// DefaultVirtualNodes is the number of ring positions per physical node
const DefaultVirtualNodes = 100

// ConsistentHashRing implements consistent hashing with virtual nodes
type ConsistentHashRing struct {
	ring         []uint64            // Sorted hash values
	ringMap      map[uint64]string   // Hash -> NodeID
	nodeVNodes   map[string][]uint64 // NodeID -> VNode hashes
	virtualNodes int
	mu           sync.RWMutex
}

// NewConsistentHashRing creates a ring placing virtualNodes positions per node
func NewConsistentHashRing(virtualNodes int) *ConsistentHashRing {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &ConsistentHashRing{
		ring:         make([]uint64, 0),
		ringMap:      make(map[uint64]string),
		nodeVNodes:   make(map[string][]uint64),
		virtualNodes: virtualNodes,
	}
}

// Hash computes the ring position of a key
func Hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// VirtualNodeID returns the synthetic id hashed for the i-th vnode of a node
func VirtualNodeID(nodeID string, i int) string {
	return nodeID + ":" + strconv.Itoa(i)
}

// AddNode adds a physical node with virtual nodes. Adding a node twice is a no-op.
func (r *ConsistentHashRing) AddNode(nodeID string) error {
	if nodeID == "" {
		return cacheerrors.InvalidArgument("node id must not be empty", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodeVNodes[nodeID]; exists {
		return nil
	}

	vnodeHashes := make([]uint64, 0, r.virtualNodes)
	for i := 0; i < r.virtualNodes; i++ {
		hash := Hash(VirtualNodeID(nodeID, i))
		if owner, taken := r.ringMap[hash]; taken {
			return cacheerrors.InternalError(
				fmt.Sprintf("vnode hash collision between %s and %s", nodeID, owner), nil)
		}
		vnodeHashes = append(vnodeHashes, hash)
	}

	for _, hash := range vnodeHashes {
		r.ring = append(r.ring, hash)
		r.ringMap[hash] = nodeID
	}
	r.nodeVNodes[nodeID] = vnodeHashes
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
	return nil
}

// RemoveNode removes a physical node and its virtual nodes
func (r *ConsistentHashRing) RemoveNode(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	vnodeHashes, exists := r.nodeVNodes[nodeID]
	if !exists {
		return false
	}

	hashSet := make(map[uint64]struct{}, len(vnodeHashes))
	for _, hash := range vnodeHashes {
		hashSet[hash] = struct{}{}
		delete(r.ringMap, hash)
	}

	newRing := make([]uint64, 0, len(r.ring)-len(vnodeHashes))
	for _, hash := range r.ring {
		if _, gone := hashSet[hash]; !gone {
			newRing = append(newRing, hash)
		}
	}
	r.ring = newRing

	delete(r.nodeVNodes, nodeID)
	return true
}

// NodeFor returns the node owning key
func (r *ConsistentHashRing) NodeFor(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return "", cacheerrors.RingEmpty()
	}
	return r.ringMap[r.ring[r.search(Hash(key))]], nil
}

// NodesFor returns up to count distinct physical nodes clockwise from key.
// The first entry is the primary.
func (r *ConsistentHashRing) NodesFor(key string, count int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return nil, cacheerrors.RingEmpty()
	}
	return r.walk(Hash(key), count), nil
}

// NodesForHash is NodesFor with a precomputed ring position
func (r *ConsistentHashRing) NodesForHash(hash uint64, count int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return nil
	}
	return r.walk(hash, count)
}

// search finds the first ring index with hash >= keyHash, wrapping to 0
func (r *ConsistentHashRing) search(keyHash uint64) int {
	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= keyHash
	})
	if idx >= len(r.ring) {
		idx = 0
	}
	return idx
}

func (r *ConsistentHashRing) walk(keyHash uint64, count int) []string {
	if count > len(r.nodeVNodes) {
		count = len(r.nodeVNodes)
	}
	if count <= 0 {
		return []string{}
	}

	idx := r.search(keyHash)
	nodes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)

	for i := 0; i < len(r.ring) && len(nodes) < count; i++ {
		nodeID := r.ringMap[r.ring[(idx+i)%len(r.ring)]]
		if _, ok := seen[nodeID]; ok {
			continue
		}
		seen[nodeID] = struct{}{}
		nodes = append(nodes, nodeID)
	}
	return nodes
}

// Nodes returns the physical node ids in sorted order
func (r *ConsistentHashRing) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.nodeVNodes))
	for nodeID := range r.nodeVNodes {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)
	return nodes
}

// HasNode reports whether nodeID is on the ring
func (r *ConsistentHashRing) HasNode(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodeVNodes[nodeID]
	return ok
}

// Slots returns the sorted vnode hashes of a node
func (r *ConsistentHashRing) Slots(nodeID string) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slots := append([]uint64(nil), r.nodeVNodes[nodeID]...)
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// NodeCount returns the number of physical nodes
func (r *ConsistentHashRing) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodeVNodes)
}

// Size returns the number of vnode entries on the ring
func (r *ConsistentHashRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ring)
}

// VirtualNodes returns the per-node vnode count fixed at construction
func (r *ConsistentHashRing) VirtualNodes() int {
	return r.virtualNodes
}

// Clone returns an independent copy of the ring
func (r *ConsistentHashRing) Clone() *ConsistentHashRing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &ConsistentHashRing{
		ring:         append([]uint64(nil), r.ring...),
		ringMap:      make(map[uint64]string, len(r.ringMap)),
		nodeVNodes:   make(map[string][]uint64, len(r.nodeVNodes)),
		virtualNodes: r.virtualNodes,
	}
	for h, n := range r.ringMap {
		c.ringMap[h] = n
	}
	for n, hashes := range r.nodeVNodes {
		c.nodeVNodes[n] = append([]uint64(nil), hashes...)
	}
	return c
}

// Clear removes all nodes
func (r *ConsistentHashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ring = make([]uint64, 0)
	r.ringMap = make(map[uint64]string)
	r.nodeVNodes = make(map[string][]uint64)
}

// AffectedRanges returns the ring segments whose owner set of size n differs
// between prev and next. Segments are delimited by the union of both rings'
// vnode positions, so each segment has a single owner set in either ring.
func AffectedRanges(prev, next *ConsistentHashRing, n int) []model.TokenRange {
	prev = prev.Clone()
	next = next.Clone()

	boundaries := make([]uint64, 0, len(prev.ring)+len(next.ring))
	boundaries = append(boundaries, prev.ring...)
	boundaries = append(boundaries, next.ring...)
	if len(boundaries) == 0 {
		return nil
	}
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i] < boundaries[j] })
	boundaries = dedupSorted(boundaries)

	var ranges []model.TokenRange
	for i, end := range boundaries {
		start := boundaries[(i+len(boundaries)-1)%len(boundaries)]
		oldOwners := prev.walkOrNil(end, n)
		newOwners := next.walkOrNil(end, n)
		if sameOwners(oldOwners, newOwners) {
			continue
		}
		ranges = append(ranges, model.TokenRange{
			Start:     start,
			End:       end,
			OldOwners: oldOwners,
			NewOwners: newOwners,
		})
	}
	return ranges
}

func (r *ConsistentHashRing) walkOrNil(hash uint64, n int) []string {
	if len(r.ring) == 0 {
		return nil
	}
	return r.walk(hash, n)
}

func dedupSorted(values []uint64) []uint64 {
	out := values[:0]
	for i, v := range values {
		if i == 0 || v != values[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// sameOwners compares owner sets ignoring order
func sameOwners(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, n := range a {
		set[n] = struct{}{}
	}
	for _, n := range b {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}
