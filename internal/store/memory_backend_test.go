package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newMemoryBackendWithClock() (*MemoryBackend, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewMemoryBackend()
	b.now = clock.Now
	return b, clock
}

func TestMemoryBackend_GetSetDelete(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	value, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)

	// Returned slice must not alias stored data
	value[0] = 'x'
	again, _, _ := b.Get(ctx, "k")
	assert.Equal(t, []byte("v"), again)

	require.NoError(t, b.Delete(ctx, "k"))
	_, found, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryBackend_Expiry(t *testing.T) {
	b, clock := newMemoryBackendWithClock()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 10*time.Second))

	ttl, err := b.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	clock.Advance(10 * time.Second)
	_, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = b.TTL(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackend_Scan(t *testing.T) {
	b, clock := newMemoryBackendWithClock()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "user:2", []byte("x"), 0))
	require.NoError(t, b.Set(ctx, "user:1", []byte("x"), 0))
	require.NoError(t, b.Set(ctx, "user:3", []byte("x"), time.Second))
	require.NoError(t, b.Set(ctx, "order:1", []byte("x"), 0))
	clock.Advance(2 * time.Second)

	keys, err := b.Scan(ctx, "user:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2"}, keys)

	_, err = b.Scan(ctx, "[")
	assert.Error(t, err)
}

func TestMemoryBackend_LockPrimitives(t *testing.T) {
	b, clock := newMemoryBackendWithClock()
	ctx := context.Background()

	ok, err := b.SetNX(ctx, "lock", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = b.SetNX(ctx, "lock", "b", time.Second)
	assert.False(t, ok)

	ok, _ = b.CompareAndExpire(ctx, "lock", "a", 5*time.Second)
	assert.True(t, ok)
	clock.Advance(2 * time.Second)

	ok, _ = b.SetNX(ctx, "lock", "b", time.Second)
	assert.False(t, ok, "extended lock must still be held")

	ok, _ = b.CompareAndDelete(ctx, "lock", "b")
	assert.False(t, ok)
	ok, _ = b.CompareAndDelete(ctx, "lock", "a")
	assert.True(t, ok)

	ok, _ = b.SetNX(ctx, "lock", "b", time.Second)
	assert.True(t, ok)
}

func TestMemoryBackend_NodeStatsAndClose(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "ab", []byte("cde"), 0))
	stats, err := b.NodeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.KeysCount)
	assert.Equal(t, int64(5), stats.MemoryUsedBytes)

	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Ping(ctx), ErrBackendClosed)
}

func TestMemoryBackend_CancelledContext(t *testing.T) {
	b := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, b.Set(ctx, "k", nil, 0), context.Canceled)
}
