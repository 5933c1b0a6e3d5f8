package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
)

// DefaultEvictionFraction is the share of entries removed by one Enforce pass
const DefaultEvictionFraction = 0.25

// EvictionConfig configures an EvictionEngine
type EvictionConfig struct {
	Policy        EvictionPolicy
	Fraction      float64
	SweepInterval time.Duration
	// OnEvict is called outside the store lock with the number of entries removed
	OnEvict func(count int)
}

// EvictionEngine applies an eviction policy to a LocalCacheStore
type EvictionEngine struct {
	store    *LocalCacheStore
	policy   EvictionPolicy
	fallback EvictionPolicy
	fraction float64
	onEvict  func(count int)
	logger   *zap.Logger

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	startOnce     sync.Once
	stopOnce      sync.Once
}

// NewEvictionEngine creates an engine; a nil policy defaults to LRU
func NewEvictionEngine(store *LocalCacheStore, cfg EvictionConfig, logger *zap.Logger) *EvictionEngine {
	if cfg.Policy == nil {
		cfg.Policy = LRUPolicy{}
	}
	if cfg.Fraction <= 0 || cfg.Fraction > 1 {
		cfg.Fraction = DefaultEvictionFraction
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &EvictionEngine{
		store:         store,
		policy:        cfg.Policy,
		fallback:      LRUPolicy{},
		fraction:      cfg.Fraction,
		onEvict:       cfg.OnEvict,
		logger:        logger,
		sweepInterval: cfg.SweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Policy returns the active policy
func (e *EvictionEngine) Policy() EvictionPolicy {
	return e.policy
}

// Enforce runs one pass of the active policy, removing about a quarter of the
// entries (at least one). TTL ignores the quota and removes every expired entry.
func (e *EvictionEngine) Enforce() int {
	n := e.store.Len()
	if n == 0 {
		return 0
	}
	target := int(float64(n) * e.fraction)
	if target < 1 {
		target = 1
	}

	evicted := e.store.evict(e.policy, nil, target, -1)
	e.report(evicted, "enforce")
	return len(evicted)
}

// EnforceUntil evicts until memory usage is at or below ceiling, falling back
// to LRU when the active policy has nothing left to offer.
func (e *EvictionEngine) EnforceUntil(ceiling int64) (int, error) {
	if ceiling < 0 {
		ceiling = 0
	}
	evicted := e.store.evict(e.policy, e.fallback, 0, ceiling)
	e.report(evicted, "ceiling")

	if usage := e.store.MemoryUsage(); usage > ceiling {
		return len(evicted), cacheerrors.EvictionExhausted(usage-ceiling, ceiling)
	}
	return len(evicted), nil
}

// Admit stores an entry within the memory budget, evicting per the active
// policy (falling back to LRU) atomically with the insert. An entry larger
// than the whole budget cannot be admitted.
func (e *EvictionEngine) Admit(key string, value []byte, ttl time.Duration, metadata map[string]string) error {
	evicted, err := e.store.PutWithin(key, value, ttl, metadata, e.policy, e.fallback)
	e.report(evicted, "admit")
	return err
}

// Sweep removes expired entries regardless of the active policy
func (e *EvictionEngine) Sweep() int {
	evicted := e.store.evict(TTLPolicy{}, nil, 0, -1)
	e.report(evicted, "sweep")
	return len(evicted)
}

func (e *EvictionEngine) report(evicted []string, reason string) {
	if len(evicted) == 0 {
		return
	}
	e.logger.Debug("Evicted cache entries",
		zap.String("policy", e.policy.Name()),
		zap.String("reason", reason),
		zap.Int("count", len(evicted)))
	if e.onEvict != nil {
		e.onEvict(len(evicted))
	}
}

// Start launches the background TTL sweeper
func (e *EvictionEngine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.sweepLoop()
		e.logger.Info("TTL sweeper started", zap.Duration("interval", e.sweepInterval))
	})
}

// Stop stops the sweeper and waits for it to exit
func (e *EvictionEngine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

func (e *EvictionEngine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-e.stopCh:
			e.logger.Info("TTL sweeper stopped")
			return
		}
	}
}
