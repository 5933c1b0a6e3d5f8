package store

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/cachemesh/internal/model"
)

const scanBatchSize = 256

// compareAndDeleteScript deletes KEYS[1] only if it holds ARGV[1]
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExpireScript sets a new PX on KEYS[1] only if it holds ARGV[1]
var compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisOptions configures a connection to one Redis node
type RedisOptions struct {
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisBackend implements Backend for a Redis node
type RedisBackend struct {
	addr   string
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBackend connects to a Redis node and verifies it answers PING before ctx ends
func NewRedisBackend(ctx context.Context, addr string, opts RedisOptions, logger *zap.Logger) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return &RedisBackend{
		addr:   addr,
		client: client,
		logger: logger,
	}, nil
}

// Get retrieves a value
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set stores a value; ttl <= 0 stores without expiry
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// Exists checks for a key
func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Scan walks the keyspace with SCAN MATCH
func (b *RedisBackend) Scan(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := b.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", b.addr, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// TTL returns the remaining time to live of a key
func (b *RedisBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := b.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return NoExpiry, nil
	}
	return d, nil
}

// SetNX sets a key only if absent (SET NX PX)
func (b *RedisBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, value, ttl).Result()
}

// CompareAndDelete deletes a key if its value matches
func (b *RedisBackend) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, b.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompareAndExpire extends a key's ttl if its value matches
func (b *RedisBackend) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpireScript.Run(ctx, b.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// NodeStats reports used memory (INFO memory) and key count (DBSIZE)
func (b *RedisBackend) NodeStats(ctx context.Context) (model.NodeStats, error) {
	keys, err := b.client.DBSize(ctx).Result()
	if err != nil {
		return model.NodeStats{}, fmt.Errorf("dbsize: %w", err)
	}

	info, err := b.client.Info(ctx, "memory").Result()
	if err != nil {
		return model.NodeStats{KeysCount: keys}, fmt.Errorf("info memory: %w", err)
	}

	return model.NodeStats{
		MemoryUsedBytes: parseUsedMemory(info),
		KeysCount:       keys,
	}, nil
}

// parseUsedMemory extracts used_memory from an INFO reply
func parseUsedMemory(info string) int64 {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		value, ok := strings.CutPrefix(line, "used_memory:")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// Ping checks the Redis connection
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
