package model

import "time"

// CacheEntry is a single value held by a local cache store
type CacheEntry struct {
	Key          string
	Value        []byte
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	TTL          time.Duration // zero means no expiry
	SizeBytes    int64
	Metadata     map[string]string
}

// entryOverhead approximates per-entry bookkeeping (list element, map slot, metadata header)
const entryOverhead = 64

// EstimateSize returns the accounted size of an entry with the given key, value and metadata
func EstimateSize(key string, value []byte, metadata map[string]string) int64 {
	size := int64(len(key) + len(value) + entryOverhead)
	for k, v := range metadata {
		size += int64(len(k) + len(v))
	}
	return size
}

// IsExpired reports whether the entry's TTL has elapsed at now
func (e *CacheEntry) IsExpired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return e.CreatedAt.Add(e.TTL).Before(now)
}

// RemainingTTL returns the TTL left at now, zero when the entry never expires
func (e *CacheEntry) RemainingTTL(now time.Time) time.Duration {
	if e.TTL <= 0 {
		return 0
	}
	remaining := e.CreatedAt.Add(e.TTL).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CacheStats is a point-in-time view of a local store
type CacheStats struct {
	EntryCount   int     `json:"entry_count"`
	MemoryBytes  int64   `json:"memory_bytes"`
	MaxBytes     int64   `json:"max_bytes"`
	UsagePercent float64 `json:"usage_percent"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	Expirations  int64   `json:"expirations"`
	HitRate      float64 `json:"hit_rate"`
}
