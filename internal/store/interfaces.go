package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/cachemesh/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// ErrBackendClosed is returned by operations on a closed backend
var ErrBackendClosed = errors.New("backend closed")

// NoExpiry is the TTL reported for keys without an expiry
const NoExpiry time.Duration = -1

// KeyValueBackend is the storage protocol of one physical cache node
type KeyValueBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Scan returns keys matching a glob pattern ("*" for all)
	Scan(ctx context.Context, pattern string) ([]string, error)
	// TTL returns the remaining lifetime, NoExpiry, or ErrNotFound
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

// LockBackend provides the conditional primitives used by distributed locks
type LockBackend interface {
	// SetNX sets key to value with ttl only if key does not exist
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if it holds value
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// CompareAndExpire resets the ttl of key only if it holds value
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// StatsReporter is implemented by backends able to report resource usage
type StatsReporter interface {
	NodeStats(ctx context.Context) (model.NodeStats, error)
}

// Backend is a node connection offering every capability
type Backend interface {
	KeyValueBackend
	LockBackend
	StatsReporter
}
