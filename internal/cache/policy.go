package cache

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devrev/cachemesh/internal/model"
)

// Policy names accepted by NewPolicy
const (
	PolicyLRU    = "lru"
	PolicyLFU    = "lfu"
	PolicyTTL    = "ttl"
	PolicyRandom = "random"
)

// Candidates is a read-only view of a store, valid only during SelectVictims
type Candidates interface {
	Len() int
	// Ascend visits entries from least to most recently used until fn returns false
	Ascend(fn func(entry *model.CacheEntry, frequency int64) bool)
}

// EvictionPolicy chooses which entries leave the store
type EvictionPolicy interface {
	Name() string
	// SelectVictims returns keys in eviction order, at most limit unless the policy ignores quotas
	SelectVictims(c Candidates, limit int, now time.Time) []string
}

// NewPolicy returns the policy registered under name
func NewPolicy(name string) (EvictionPolicy, error) {
	switch strings.ToLower(name) {
	case PolicyLRU:
		return LRUPolicy{}, nil
	case PolicyLFU:
		return LFUPolicy{}, nil
	case PolicyTTL:
		return TTLPolicy{}, nil
	case PolicyRandom:
		return NewRandomPolicy(nil), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", name)
	}
}

// LRUPolicy evicts least recently used entries first
type LRUPolicy struct{}

func (LRUPolicy) Name() string { return PolicyLRU }

func (LRUPolicy) SelectVictims(c Candidates, limit int, _ time.Time) []string {
	victims := make([]string, 0, limit)
	c.Ascend(func(entry *model.CacheEntry, _ int64) bool {
		if len(victims) >= limit {
			return false
		}
		victims = append(victims, entry.Key)
		return true
	})
	return victims
}

// LFUPolicy evicts the lowest access frequencies first; ties go to the lowest key
type LFUPolicy struct{}

func (LFUPolicy) Name() string { return PolicyLFU }

func (LFUPolicy) SelectVictims(c Candidates, limit int, _ time.Time) []string {
	type candidate struct {
		key  string
		freq int64
	}
	all := make([]candidate, 0, c.Len())
	c.Ascend(func(entry *model.CacheEntry, frequency int64) bool {
		all = append(all, candidate{key: entry.Key, freq: frequency})
		return true
	})

	sort.Slice(all, func(i, j int) bool {
		if all[i].freq != all[j].freq {
			return all[i].freq < all[j].freq
		}
		return all[i].key < all[j].key
	})

	if limit > len(all) {
		limit = len(all)
	}
	victims := make([]string, 0, limit)
	for _, cand := range all[:limit] {
		victims = append(victims, cand.key)
	}
	return victims
}

// TTLPolicy evicts every expired entry and ignores the quota
type TTLPolicy struct{}

func (TTLPolicy) Name() string { return PolicyTTL }

func (TTLPolicy) SelectVictims(c Candidates, _ int, now time.Time) []string {
	var victims []string
	c.Ascend(func(entry *model.CacheEntry, _ int64) bool {
		if entry.IsExpired(now) {
			victims = append(victims, entry.Key)
		}
		return true
	})
	return victims
}

// RandomPolicy evicts uniformly random entries
type RandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy uses rng, or a time-seeded source when rng is nil
func NewRandomPolicy(rng *rand.Rand) *RandomPolicy {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &RandomPolicy{rng: rng}
}

func (p *RandomPolicy) Name() string { return PolicyRandom }

func (p *RandomPolicy) SelectVictims(c Candidates, limit int, _ time.Time) []string {
	keys := make([]string, 0, c.Len())
	c.Ascend(func(entry *model.CacheEntry, _ int64) bool {
		keys = append(keys, entry.Key)
		return true
	})

	if limit > len(keys) {
		limit = len(keys)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Partial Fisher-Yates: the first limit slots end up uniformly sampled
	for i := 0; i < limit; i++ {
		j := i + p.rng.IntN(len(keys)-i)
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys[:limit]
}
