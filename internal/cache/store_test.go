package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/cachemesh/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(maxBytes int64) (*LocalCacheStore, *fakeClock) {
	clock := newFakeClock()
	s := NewLocalCacheStore(maxBytes, zap.NewNop())
	s.now = clock.Now
	return s, clock
}

func TestLocalCacheStore_PutGet(t *testing.T) {
	s, _ := newTestStore(0)

	s.Put("k", []byte("v"), 0, map[string]string{"model": "m1"})

	entry, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), entry.Value)
	assert.Equal(t, "m1", entry.Metadata["model"])
	assert.Equal(t, int64(2), entry.AccessCount)

	_, ok = s.Get("missing")
	assert.False(t, ok)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestLocalCacheStore_OverwriteAccountsSize(t *testing.T) {
	s, _ := newTestStore(0)

	s.Put("k", []byte("short"), 0, nil)
	first := s.MemoryUsage()

	s.Put("k", []byte("a much longer value"), 0, nil)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, model.EstimateSize("k", []byte("a much longer value"), nil), s.MemoryUsage())
	assert.Greater(t, s.MemoryUsage(), first)

	assert.True(t, s.Delete("k"))
	assert.False(t, s.Delete("k"))
	assert.Equal(t, int64(0), s.MemoryUsage())
}

func TestLocalCacheStore_TTLCheckedOnRead(t *testing.T) {
	s, clock := newTestStore(0)

	s.Put("short", []byte("v"), time.Second, nil)
	s.Put("forever", []byte("v"), 0, nil)

	clock.Advance(500 * time.Millisecond)
	_, ok := s.Get("short")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = s.Get("short")
	assert.False(t, ok, "expired entries are misses")
	_, ok = s.Get("forever")
	assert.True(t, ok)

	stats := s.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestLocalCacheStore_PeekDoesNotTouchRecency(t *testing.T) {
	s, _ := newTestStore(0)
	s.Put("a", []byte("1"), 0, nil)
	s.Put("b", []byte("2"), 0, nil)

	_, ok := s.Peek("a")
	require.True(t, ok)

	victims := LRUPolicy{}.SelectVictims(&storeView{s: s}, 1, time.Now())
	assert.Equal(t, []string{"a"}, victims)
	assert.Equal(t, int64(0), s.Stats().Hits)
}

func TestLocalCacheStore_Clear(t *testing.T) {
	s, _ := newTestStore(0)
	for i := 0; i < 5; i++ {
		s.Put(fmt.Sprintf("k%d", i), []byte("v"), 0, nil)
	}
	s.Get("k1")
	s.Get("nope")

	s.Clear()

	stats := s.Stats()
	assert.Equal(t, model.CacheStats{}, stats)
	assert.Empty(t, s.Keys())
}

func TestLocalCacheStore_Keys(t *testing.T) {
	s, _ := newTestStore(0)
	s.Put("b", nil, 0, nil)
	s.Put("a", nil, 0, nil)
	s.Put("c", nil, 0, nil)

	assert.Equal(t, []string{"a", "b", "c"}, s.Keys())
}

func TestLocalCacheStore_ConcurrentAccess(t *testing.T) {
	s, _ := newTestStore(0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%20)
				s.Put(key, []byte{byte(w)}, 0, nil)
				s.Get(key)
				_ = s.Stats()
			}
		}(w)
	}
	wg.Wait()

	var expected int64
	for i := 0; i < 20; i++ {
		expected += model.EstimateSize(fmt.Sprintf("k%d", i), []byte{0}, nil)
	}
	assert.Equal(t, 20, s.Len())
	assert.Equal(t, expected, s.MemoryUsage())
}
