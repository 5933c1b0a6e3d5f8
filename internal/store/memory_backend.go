package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/devrev/cachemesh/internal/model"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryBackend is an in-process Backend used for single-node deployments and tests
type MemoryBackend struct {
	items  map[string]*memoryItem
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		items: make(map[string]*memoryItem),
		now:   time.Now,
	}
}

func (b *MemoryBackend) live(key string) (*memoryItem, bool) {
	item, ok := b.items[key]
	if !ok || item.expired(b.now()) {
		return nil, false
	}
	return item, true
}

func (b *MemoryBackend) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.now().Add(ttl)
}

// Get retrieves a value
func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	item, ok := b.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

// Set stores a value
func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = &memoryItem{value: append([]byte(nil), value...), expiresAt: b.expiry(ttl)}
	return nil
}

// Delete removes a key
func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.items, key)
	return nil
}

// Exists checks for a key
func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.live(key)
	return ok, nil
}

// Scan returns live keys matching a glob pattern, sorted
func (b *MemoryBackend) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pattern == "" {
		pattern = "*"
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	keys := make([]string, 0, len(b.items))
	for key, item := range b.items {
		if item.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// TTL returns the remaining lifetime of a key
func (b *MemoryBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	item, ok := b.live(key)
	if !ok {
		return 0, ErrNotFound
	}
	if item.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return item.expiresAt.Sub(b.now()), nil
}

// SetNX sets a key only if absent
func (b *MemoryBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.live(key); ok {
		return false, nil
	}
	b.items[key] = &memoryItem{value: []byte(value), expiresAt: b.expiry(ttl)}
	return true, nil
}

// CompareAndDelete deletes a key if its value matches
func (b *MemoryBackend) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.live(key)
	if !ok || string(item.value) != value {
		return false, nil
	}
	delete(b.items, key)
	return true, nil
}

// CompareAndExpire resets a key's ttl if its value matches
func (b *MemoryBackend) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.live(key)
	if !ok || string(item.value) != value {
		return false, nil
	}
	item.expiresAt = b.expiry(ttl)
	return true, nil
}

// NodeStats reports the approximate footprint of live items
func (b *MemoryBackend) NodeStats(ctx context.Context) (model.NodeStats, error) {
	if err := ctx.Err(); err != nil {
		return model.NodeStats{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	var stats model.NodeStats
	for key, item := range b.items {
		if item.expired(now) {
			continue
		}
		stats.KeysCount++
		stats.MemoryUsedBytes += int64(len(key) + len(item.value))
	}
	return stats, nil
}

// Ping always succeeds until the backend is closed
func (b *MemoryBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBackendClosed
	}
	return nil
}

// Close marks the backend closed
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
