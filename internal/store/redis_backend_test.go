package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedisBackend(context.Background(), mr.Addr(), RedisOptions{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestNewRedisBackend_ConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisBackend(context.Background(), addr, RedisOptions{DialTimeout: 100 * time.Millisecond}, zap.NewNop())
	assert.Error(t, err)
}

func TestRedisBackend_GetSetDelete(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	_, found, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	value, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)

	exists, err := b.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, b.Delete(ctx, "k"))
	exists, err = b.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisBackend_TTL(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "forever", []byte("v"), 0))
	ttl, err := b.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, NoExpiry, ttl)

	require.NoError(t, b.Set(ctx, "short", []byte("v"), 10*time.Second))
	ttl, err = b.TTL(ctx, "short")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 10*time.Second)

	_, err = b.TTL(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	mr.FastForward(11 * time.Second)
	_, found, err := b.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisBackend_Scan(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	for _, k := range []string{"user:1", "user:2", "session:1"} {
		require.NoError(t, b.Set(ctx, k, []byte("x"), 0))
	}

	keys, err := b.Scan(ctx, "user:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)

	keys, err = b.Scan(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestRedisBackend_LockPrimitives(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	ok, err := b.SetNX(ctx, "lock:a", "holder-1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.SetNX(ctx, "lock:a", "holder-2", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX must fail while the key exists")

	t.Run("compare and expire only for holder", func(t *testing.T) {
		ok, err := b.CompareAndExpire(ctx, "lock:a", "holder-2", 5*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.CompareAndExpire(ctx, "lock:a", "holder-1", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Greater(t, mr.TTL("lock:a"), time.Second)
	})

	t.Run("compare and delete only for holder", func(t *testing.T) {
		ok, err := b.CompareAndDelete(ctx, "lock:a", "holder-2")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, mr.Exists("lock:a"))

		ok, err = b.CompareAndDelete(ctx, "lock:a", "holder-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, mr.Exists("lock:a"))
	})

	t.Run("expired lock can be reacquired", func(t *testing.T) {
		ok, err := b.SetNX(ctx, "lock:b", "holder-1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Second)

		ok, err = b.SetNX(ctx, "lock:b", "holder-2", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRedisBackend_PingAfterServerStop(t *testing.T) {
	b, mr := newRedisBackend(t)

	require.NoError(t, b.Ping(context.Background()))
	mr.Close()
	assert.Error(t, b.Ping(context.Background()))
}

func TestParseUsedMemory(t *testing.T) {
	tests := []struct {
		name string
		info string
		want int64
	}{
		{"present", "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\n", 1048576},
		{"absent", "# Memory\r\nmaxmemory:0\r\n", 0},
		{"malformed", "used_memory:abc\r\n", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseUsedMemory(tt.info))
		})
	}
}
