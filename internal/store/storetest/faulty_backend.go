// Package storetest provides backend wrappers for fault-injection tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/cachemesh/internal/model"
	"github.com/devrev/cachemesh/internal/store"
)

// ErrNodeDown is returned by a FaultyBackend that has been taken down
var ErrNodeDown = errors.New("connection refused")

// FaultyBackend wraps a Backend and can be switched down or slowed
type FaultyBackend struct {
	inner store.Backend

	mu      sync.RWMutex
	down    bool
	latency time.Duration

	calls atomic.Int64
}

// NewFaultyBackend wraps inner; a nil inner gets a fresh MemoryBackend
func NewFaultyBackend(inner store.Backend) *FaultyBackend {
	if inner == nil {
		inner = store.NewMemoryBackend()
	}
	return &FaultyBackend{inner: inner}
}

// SetDown toggles connection failures
func (f *FaultyBackend) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// SetLatency delays every call by d (bounded by the caller's context)
func (f *FaultyBackend) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// Calls returns how many operations reached the wrapper
func (f *FaultyBackend) Calls() int64 {
	return f.calls.Load()
}

// Inner returns the wrapped backend
func (f *FaultyBackend) Inner() store.Backend {
	return f.inner
}

func (f *FaultyBackend) before(ctx context.Context) error {
	f.calls.Add(1)

	f.mu.RLock()
	down, latency := f.down, f.latency
	f.mu.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if down {
		return ErrNodeDown
	}
	return nil
}

func (f *FaultyBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.before(ctx); err != nil {
		return nil, false, err
	}
	return f.inner.Get(ctx, key)
}

func (f *FaultyBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.before(ctx); err != nil {
		return err
	}
	return f.inner.Set(ctx, key, value, ttl)
}

func (f *FaultyBackend) Delete(ctx context.Context, key string) error {
	if err := f.before(ctx); err != nil {
		return err
	}
	return f.inner.Delete(ctx, key)
}

func (f *FaultyBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := f.before(ctx); err != nil {
		return false, err
	}
	return f.inner.Exists(ctx, key)
}

func (f *FaultyBackend) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := f.before(ctx); err != nil {
		return nil, err
	}
	return f.inner.Scan(ctx, pattern)
}

func (f *FaultyBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := f.before(ctx); err != nil {
		return 0, err
	}
	return f.inner.TTL(ctx, key)
}

func (f *FaultyBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := f.before(ctx); err != nil {
		return false, err
	}
	return f.inner.SetNX(ctx, key, value, ttl)
}

func (f *FaultyBackend) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := f.before(ctx); err != nil {
		return false, err
	}
	return f.inner.CompareAndDelete(ctx, key, value)
}

func (f *FaultyBackend) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := f.before(ctx); err != nil {
		return false, err
	}
	return f.inner.CompareAndExpire(ctx, key, value, ttl)
}

func (f *FaultyBackend) NodeStats(ctx context.Context) (model.NodeStats, error) {
	if err := f.before(ctx); err != nil {
		return model.NodeStats{}, err
	}
	return f.inner.NodeStats(ctx)
}

func (f *FaultyBackend) Ping(ctx context.Context) error {
	if err := f.before(ctx); err != nil {
		return err
	}
	return f.inner.Ping(ctx)
}

func (f *FaultyBackend) Close() error {
	return f.inner.Close()
}
