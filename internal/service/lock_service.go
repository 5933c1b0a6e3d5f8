package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/metrics"
	"github.com/devrev/cachemesh/internal/model"
	"github.com/devrev/cachemesh/internal/store"
)

// LockConfig configures the distributed lock manager
type LockConfig struct {
	KeyPrefix      string
	DefaultTTL     time.Duration
	AcquireTimeout time.Duration
	PollInterval   time.Duration
}

// DefaultLockConfig returns 30s leases polled every 100ms for up to 10s
func DefaultLockConfig() LockConfig {
	return LockConfig{
		KeyPrefix:      "lock:",
		DefaultTTL:     30 * time.Second,
		AcquireTimeout: 10 * time.Second,
		PollInterval:   100 * time.Millisecond,
	}
}

// LockBackendResolver picks the backend that arbitrates a lock key
type LockBackendResolver interface {
	LockBackendFor(ctx context.Context, key string) (store.LockBackend, string, error)
}

// StaticLockBackend resolves every lock key to one backend
type StaticLockBackend struct {
	Backend store.LockBackend
	NodeID  string
}

// LockBackendFor implements LockBackendResolver
func (s StaticLockBackend) LockBackendFor(context.Context, string) (store.LockBackend, string, error) {
	return s.Backend, s.NodeID, nil
}

// DistributedLockManager grants leases on named locks by an atomic
// set-if-absent on the backend owning the lock key.
type DistributedLockManager struct {
	resolver LockBackendResolver
	config   LockConfig
	instance string
	counter  atomic.Uint64

	stats   model.LockStats
	statsMu sync.Mutex

	metrics metrics.Recorder
	logger  *zap.Logger
}

// NewDistributedLockManager creates a lock manager
func NewDistributedLockManager(resolver LockBackendResolver, cfg LockConfig, recorder metrics.Recorder, logger *zap.Logger) *DistributedLockManager {
	defaults := DefaultLockConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaults.DefaultTTL
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.AcquireTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &DistributedLockManager{
		resolver: resolver,
		config:   cfg,
		instance: uuid.New().String()[:8],
		metrics:  recorder,
		logger:   logger,
	}
}

// newHolderID returns a value unique across processes and calls
func (m *DistributedLockManager) newHolderID() string {
	return fmt.Sprintf("%d-%d-%d-%s", os.Getpid(), m.counter.Add(1), time.Now().UnixNano(), m.instance)
}

// Acquire takes the named lock for ttl (the default when ttl <= 0). A blocking
// call polls until the acquire timeout or ctx ends; a non-blocking call makes
// one attempt. Both report contention as LockTimeout.
func (m *DistributedLockManager) Acquire(ctx context.Context, key string, ttl time.Duration, blocking bool) (*model.Lock, error) {
	if key == "" {
		return nil, cacheerrors.InvalidArgument("lock key must not be empty", nil)
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}

	lockKey := m.config.KeyPrefix + key
	backend, nodeID, err := m.resolver.LockBackendFor(ctx, lockKey)
	if err != nil {
		return nil, err
	}

	holderID := m.newHolderID()
	start := time.Now()
	deadline := start.Add(m.config.AcquireTimeout)
	contended := false

	for {
		ok, err := backend.SetNX(ctx, lockKey, holderID, ttl)
		if err != nil && ctx.Err() != nil {
			return nil, m.timedOut(key, time.Since(start), ctx.Err())
		}
		if err != nil {
			m.metrics.RecordLock("error")
			return nil, cacheerrors.NodeUnreachable(nodeID, err).WithDetail("lock_key", key)
		}
		if ok {
			acquiredAt := time.Now()
			m.record(func(s *model.LockStats) { s.Acquired++ })
			m.metrics.RecordLock("acquired")
			m.logger.Debug("Lock acquired",
				zap.String("lock_key", key),
				zap.String("holder_id", holderID),
				zap.String("node_id", nodeID),
				zap.Duration("waited", acquiredAt.Sub(start)))
			return &model.Lock{
				Key:        key,
				HolderID:   holderID,
				NodeID:     nodeID,
				AcquiredAt: acquiredAt,
				ExpiresAt:  acquiredAt.Add(ttl),
			}, nil
		}

		if !contended {
			contended = true
			m.record(func(s *model.LockStats) { s.Contended++ })
			m.metrics.RecordLock("contended")
		}

		remaining := time.Until(deadline)
		if !blocking || remaining <= 0 {
			return nil, m.timedOut(key, time.Since(start), nil)
		}

		wait := m.config.PollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, m.timedOut(key, time.Since(start), ctx.Err())
		case <-timer.C:
		}
	}
}

func (m *DistributedLockManager) timedOut(key string, waited time.Duration, cause error) error {
	m.record(func(s *model.LockStats) { s.TimedOut++ })
	m.metrics.RecordLock("timeout")
	m.logger.Debug("Lock not acquired",
		zap.String("lock_key", key),
		zap.Duration("waited", waited))
	return cacheerrors.LockTimeout(key, waited, cause)
}

// Release deletes the lock only if lock.HolderID still holds it. An expired or
// stolen lease yields LockNotHeld and leaves the current holder untouched.
func (m *DistributedLockManager) Release(ctx context.Context, lock *model.Lock) error {
	if lock == nil || lock.Key == "" {
		return cacheerrors.InvalidArgument("lock must not be empty", nil)
	}

	lockKey := m.config.KeyPrefix + lock.Key
	backend, nodeID, err := m.resolver.LockBackendFor(ctx, lockKey)
	if err != nil {
		return err
	}

	released, err := backend.CompareAndDelete(ctx, lockKey, lock.HolderID)
	if err != nil {
		m.metrics.RecordLock("error")
		return cacheerrors.NodeUnreachable(nodeID, err).WithDetail("lock_key", lock.Key)
	}
	if !released {
		m.record(func(s *model.LockStats) { s.ReleaseMissed++ })
		m.metrics.RecordLock("release_missed")
		m.logger.Warn("Lock release by non-holder",
			zap.String("lock_key", lock.Key),
			zap.String("holder_id", lock.HolderID))
		return cacheerrors.LockNotHeld(lock.Key, lock.HolderID)
	}

	m.record(func(s *model.LockStats) { s.Released++ })
	m.metrics.RecordLock("released")
	return nil
}

// Extend renews the lease of a lock its holder still owns
func (m *DistributedLockManager) Extend(ctx context.Context, lock *model.Lock, ttl time.Duration) error {
	if lock == nil || lock.Key == "" {
		return cacheerrors.InvalidArgument("lock must not be empty", nil)
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}

	lockKey := m.config.KeyPrefix + lock.Key
	backend, nodeID, err := m.resolver.LockBackendFor(ctx, lockKey)
	if err != nil {
		return err
	}

	extended, err := backend.CompareAndExpire(ctx, lockKey, lock.HolderID, ttl)
	if err != nil {
		m.metrics.RecordLock("error")
		return cacheerrors.NodeUnreachable(nodeID, err).WithDetail("lock_key", lock.Key)
	}
	if !extended {
		return cacheerrors.LockNotHeld(lock.Key, lock.HolderID)
	}

	lock.ExpiresAt = time.Now().Add(ttl)
	m.record(func(s *model.LockStats) { s.Extended++ })
	m.metrics.RecordLock("extended")
	return nil
}

// WithLock runs fn while holding the named lock
func (m *DistributedLockManager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	lock, err := m.Acquire(ctx, key, ttl, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Release(context.WithoutCancel(ctx), lock); err != nil {
			m.logger.Warn("Failed to release lock", zap.String("lock_key", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// Stats returns a snapshot of the lock counters
func (m *DistributedLockManager) Stats() model.LockStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *DistributedLockManager) record(fn func(*model.LockStats)) {
	m.statsMu.Lock()
	fn(&m.stats)
	m.statsMu.Unlock()
}
