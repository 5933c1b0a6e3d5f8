package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultDialTimeout bounds one attempt to open a node backend
	DefaultDialTimeout = 5 * time.Second
	// DefaultDialBackoff is how long a failed dial is remembered before retrying
	DefaultDialBackoff = time.Second
)

// BackendFactory opens a connection to the node identified by nodeID
type BackendFactory func(ctx context.Context, nodeID string) (Backend, error)

// RedisFactory dials node ids as Redis addresses
func RedisFactory(opts RedisOptions, logger *zap.Logger) BackendFactory {
	return func(ctx context.Context, nodeID string) (Backend, error) {
		return NewRedisBackend(ctx, nodeID, opts, logger)
	}
}

type dialFailure struct {
	err   error
	until time.Time
}

// BackendPool holds one backend connection per node, opened lazily.
// Dials run outside the pool lock, one at a time per node, so a slow or
// dead node never delays lookups of other nodes.
type BackendPool struct {
	factory     BackendFactory
	backends    map[string]Backend
	failures    map[string]dialFailure
	dials       singleflight.Group
	dialTimeout time.Duration
	backoff     time.Duration
	now         func() time.Time
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewBackendPool creates a pool; factory may be nil when every backend is registered up front
func NewBackendPool(factory BackendFactory, logger *zap.Logger) *BackendPool {
	return &BackendPool{
		factory:     factory,
		backends:    make(map[string]Backend),
		failures:    make(map[string]dialFailure),
		dialTimeout: DefaultDialTimeout,
		backoff:     DefaultDialBackoff,
		now:         time.Now,
		logger:      logger,
	}
}

// SetDialPolicy overrides the per-dial timeout and the failed-dial backoff; zero keeps the current value
func (p *BackendPool) SetDialPolicy(timeout, backoff time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timeout > 0 {
		p.dialTimeout = timeout
	}
	if backoff > 0 {
		p.backoff = backoff
	}
}

// Register installs an already-open backend for nodeID, closing any previous one
func (p *BackendPool) Register(nodeID string, backend Backend) {
	p.mu.Lock()
	prev := p.backends[nodeID]
	p.backends[nodeID] = backend
	delete(p.failures, nodeID)
	p.mu.Unlock()

	if prev != nil && prev != backend {
		p.closeBackend(nodeID, prev)
	}
}

// Get returns the backend for nodeID, dialing it on first use.
// It gives up waiting when ctx ends; the dial itself keeps going for later callers.
func (p *BackendPool) Get(ctx context.Context, nodeID string) (Backend, error) {
	p.mu.RLock()
	backend, ok := p.backends[nodeID]
	failure, failed := p.failures[nodeID]
	now := p.now()
	p.mu.RUnlock()
	if ok {
		return backend, nil
	}
	if p.factory == nil {
		return nil, fmt.Errorf("no backend registered for node %s", nodeID)
	}
	if failed && now.Before(failure.until) {
		return nil, fmt.Errorf("node %s backing off after failed dial: %w", nodeID, failure.err)
	}

	ch := p.dials.DoChan(nodeID, func() (interface{}, error) {
		return p.dial(nodeID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Backend), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for node %s backend: %w", nodeID, ctx.Err())
	}
}

func (p *BackendPool) dial(nodeID string) (Backend, error) {
	p.mu.RLock()
	existing, ok := p.backends[nodeID]
	timeout := p.dialTimeout
	p.mu.RUnlock()
	if ok {
		return existing, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	backend, err := p.factory(ctx, nodeID)

	p.mu.Lock()
	if err != nil {
		p.failures[nodeID] = dialFailure{err: err, until: p.now().Add(p.backoff)}
		p.mu.Unlock()
		p.logger.Warn("Failed to open node backend",
			zap.String("node_id", nodeID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to open backend for node %s: %w", nodeID, err)
	}
	if existing, ok := p.backends[nodeID]; ok {
		// registered while we were dialing
		p.mu.Unlock()
		p.closeBackend(nodeID, backend)
		return existing, nil
	}
	p.backends[nodeID] = backend
	delete(p.failures, nodeID)
	p.mu.Unlock()

	p.logger.Info("Opened node backend", zap.String("node_id", nodeID))
	return backend, nil
}

// Remove closes and forgets the backend of nodeID
func (p *BackendPool) Remove(nodeID string) {
	p.mu.Lock()
	backend, ok := p.backends[nodeID]
	delete(p.backends, nodeID)
	delete(p.failures, nodeID)
	p.mu.Unlock()

	if ok {
		p.closeBackend(nodeID, backend)
	}
}

// Close closes every backend in the pool
func (p *BackendPool) Close() {
	p.mu.Lock()
	backends := p.backends
	p.backends = make(map[string]Backend)
	p.failures = make(map[string]dialFailure)
	p.mu.Unlock()

	for nodeID, backend := range backends {
		p.closeBackend(nodeID, backend)
	}
}

func (p *BackendPool) closeBackend(nodeID string, backend Backend) {
	if err := backend.Close(); err != nil {
		p.logger.Warn("Failed to close node backend",
			zap.String("node_id", nodeID),
			zap.Error(err))
	}
}
