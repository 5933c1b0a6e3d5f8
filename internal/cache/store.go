package cache

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/model"
)

// LocalCacheStore is an in-process entry table with recency and frequency tracking.
// The recency list holds the least recently used entry at the front.
type LocalCacheStore struct {
	entries   map[string]*list.Element
	recency   *list.List
	frequency map[string]int64

	memoryBytes int64
	maxBytes    int64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	mu     sync.RWMutex
	now    func() time.Time
	logger *zap.Logger
}

// NewLocalCacheStore creates a store bounded by maxBytes; zero means unbounded
func NewLocalCacheStore(maxBytes int64, logger *zap.Logger) *LocalCacheStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalCacheStore{
		entries:   make(map[string]*list.Element),
		recency:   list.New(),
		frequency: make(map[string]int64),
		maxBytes:  maxBytes,
		now:       time.Now,
		logger:    logger,
	}
}

// Get returns a copy of the entry for key. Expired entries are removed and count as a miss.
func (s *LocalCacheStore) Get(key string) (*model.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, found := s.entries[key]
	if !found {
		s.misses++
		return nil, false
	}

	entry := elem.Value.(*model.CacheEntry)
	now := s.now()
	if entry.IsExpired(now) {
		s.removeLocked(elem)
		s.expirations++
		s.misses++
		s.logger.Debug("Expired cache entry on read", zap.String("key", key))
		return nil, false
	}

	entry.LastAccessed = now
	entry.AccessCount++
	s.frequency[key]++
	s.recency.MoveToBack(elem)
	s.hits++

	c := *entry
	return &c, true
}

// Peek returns the entry without touching recency, frequency or hit counters
func (s *LocalCacheStore) Peek(key string) (*model.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elem, found := s.entries[key]
	if !found {
		return nil, false
	}
	entry := elem.Value.(*model.CacheEntry)
	if entry.IsExpired(s.now()) {
		return nil, false
	}
	c := *entry
	return &c, true
}

// Put inserts or overwrites an entry and marks it most recently used.
// It does not enforce the memory budget; see PutWithin.
func (s *LocalCacheStore) Put(key string, value []byte, ttl time.Duration, metadata map[string]string) *model.CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, value, ttl, metadata, s.now())
}

// PutWithin admits an entry only if it fits the budget, evicting victims
// chosen by policy (then fallback) under the same lock as the insert, so
// concurrent writers can never push usage past the budget. It returns the
// evicted keys. An entry larger than the whole budget is rejected without
// evicting anything.
func (s *LocalCacheStore) PutWithin(key string, value []byte, ttl time.Duration, metadata map[string]string, policy, fallback EvictionPolicy) ([]string, error) {
	size := model.EstimateSize(key, value, metadata)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.maxBytes <= 0 {
		s.putLocked(key, value, ttl, metadata, now)
		return nil, nil
	}
	if size > s.maxBytes {
		return nil, cacheerrors.EvictionExhausted(size, s.maxBytes)
	}

	evicted := s.makeRoomLocked(key, size, policy, fallback, now)
	if s.memoryBytes+s.growthLocked(key, size) > s.maxBytes {
		return evicted, cacheerrors.EvictionExhausted(size, s.maxBytes)
	}
	s.putLocked(key, value, ttl, metadata, now)
	return evicted, nil
}

// growthLocked is how much usage changes when key is written with size bytes
func (s *LocalCacheStore) growthLocked(key string, size int64) int64 {
	if elem, found := s.entries[key]; found {
		return size - elem.Value.(*model.CacheEntry).SizeBytes
	}
	return size
}

func (s *LocalCacheStore) makeRoomLocked(key string, size int64, policy, fallback EvictionPolicy, now time.Time) []string {
	var evicted []string
	view := &storeView{s: s}
	limit := 1
	for s.memoryBytes+s.growthLocked(key, size) > s.maxBytes && len(s.entries) > 0 {
		victims := policy.SelectVictims(view, limit, now)
		if len(victims) == 0 && fallback != nil {
			victims = fallback.SelectVictims(view, limit, now)
		}
		if len(victims) == 0 {
			break
		}
		for _, victim := range victims {
			if s.memoryBytes+s.growthLocked(key, size) <= s.maxBytes {
				break
			}
			elem, found := s.entries[victim]
			if !found {
				continue
			}
			if elem.Value.(*model.CacheEntry).IsExpired(now) {
				s.expirations++
			}
			s.removeLocked(elem)
			s.evictions++
			evicted = append(evicted, victim)
		}
		if limit < len(s.entries) {
			limit *= 2
		}
	}
	return evicted
}

func (s *LocalCacheStore) putLocked(key string, value []byte, ttl time.Duration, metadata map[string]string, now time.Time) *model.CacheEntry {
	size := model.EstimateSize(key, value, metadata)

	if elem, found := s.entries[key]; found {
		existing := elem.Value.(*model.CacheEntry)
		s.memoryBytes += size - existing.SizeBytes
		existing.Value = value
		existing.TTL = ttl
		existing.Metadata = metadata
		existing.SizeBytes = size
		existing.CreatedAt = now
		existing.LastAccessed = now
		existing.AccessCount++
		s.frequency[key]++
		s.recency.MoveToBack(elem)
		c := *existing
		return &c
	}

	entry := &model.CacheEntry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
		TTL:          ttl,
		SizeBytes:    size,
		Metadata:     metadata,
	}
	s.entries[key] = s.recency.PushBack(entry)
	s.frequency[key] = 1
	s.memoryBytes += size

	c := *entry
	return &c
}

// Delete removes key, reporting whether it was present
func (s *LocalCacheStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, found := s.entries[key]
	if !found {
		return false
	}
	s.removeLocked(elem)
	return true
}

// Clear empties the store and zeroes every counter
func (s *LocalCacheStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*list.Element)
	s.recency.Init()
	s.frequency = make(map[string]int64)
	s.memoryBytes = 0
	s.hits = 0
	s.misses = 0
	s.evictions = 0
	s.expirations = 0
}

// RecordMiss counts a miss that was decided outside the store
func (s *LocalCacheStore) RecordMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

// Keys returns the stored keys in sorted order
func (s *LocalCacheStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries, expired ones included until removed
func (s *LocalCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// MemoryUsage returns the accounted bytes of all entries
func (s *LocalCacheStore) MemoryUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memoryBytes
}

// MaxBytes returns the configured budget
func (s *LocalCacheStore) MaxBytes() int64 {
	return s.maxBytes
}

// Stats returns cache statistics
func (s *LocalCacheStore) Stats() model.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.CacheStats{
		EntryCount:  len(s.entries),
		MemoryBytes: s.memoryBytes,
		MaxBytes:    s.maxBytes,
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
	}
	if s.maxBytes > 0 {
		stats.UsagePercent = float64(s.memoryBytes) / float64(s.maxBytes) * 100
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	return stats
}

// evict removes victims chosen by policy. With ceiling < 0 it removes up to
// target victims; otherwise it removes victims in policy order until usage
// drops to ceiling, widening the candidate set as needed and falling back to
// fallback when policy yields nothing. Counters change under the same lock.
func (s *LocalCacheStore) evict(policy, fallback EvictionPolicy, target int, ceiling int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	view := &storeView{s: s}

	if ceiling < 0 {
		victims := policy.SelectVictims(view, target, now)
		return s.removeVictimsLocked(victims, -1, now)
	}

	var evicted []string
	limit := 1
	for s.memoryBytes > ceiling && len(s.entries) > 0 {
		victims := policy.SelectVictims(view, limit, now)
		if len(victims) == 0 && fallback != nil {
			victims = fallback.SelectVictims(view, limit, now)
		}
		if len(victims) == 0 {
			break
		}
		evicted = append(evicted, s.removeVictimsLocked(victims, ceiling, now)...)
		if limit < len(s.entries) {
			limit *= 2
		}
	}
	return evicted
}

func (s *LocalCacheStore) removeVictimsLocked(victims []string, ceiling int64, now time.Time) []string {
	removed := make([]string, 0, len(victims))
	for _, key := range victims {
		if ceiling >= 0 && s.memoryBytes <= ceiling {
			break
		}
		elem, found := s.entries[key]
		if !found {
			continue
		}
		if elem.Value.(*model.CacheEntry).IsExpired(now) {
			s.expirations++
		}
		s.removeLocked(elem)
		s.evictions++
		removed = append(removed, key)
	}
	return removed
}

func (s *LocalCacheStore) removeLocked(elem *list.Element) {
	entry := s.recency.Remove(elem).(*model.CacheEntry)
	delete(s.entries, entry.Key)
	delete(s.frequency, entry.Key)
	s.memoryBytes -= entry.SizeBytes
}

// storeView exposes a locked store to eviction policies
type storeView struct {
	s *LocalCacheStore
}

func (v *storeView) Len() int {
	return len(v.s.entries)
}

func (v *storeView) Ascend(fn func(entry *model.CacheEntry, frequency int64) bool) {
	for elem := v.s.recency.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*model.CacheEntry)
		if !fn(entry, v.s.frequency[entry.Key]) {
			return
		}
	}
}
