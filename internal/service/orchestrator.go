package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/cachemesh/internal/cache"
	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/metrics"
	"github.com/devrev/cachemesh/internal/model"
)

// Mode selects where the orchestrator keeps entries
type Mode string

const (
	ModeSingle  Mode = "single"
	ModeCluster Mode = "cluster"
)

// Match types reported in lookups and metrics
const (
	MatchExact   = "exact"
	MatchSimilar = "similar"
)

// Lookup sources
const (
	SourceLocal   = "local"
	SourceCluster = "cluster"
)

// OrchestratorConfig configures a CacheOrchestrator
type OrchestratorConfig struct {
	Mode           Mode
	MaxMemoryBytes int64
	EvictionPolicy string
	SweepInterval  time.Duration

	// NearCache keeps recently read cluster entries in the local store
	NearCache    bool
	NearCacheTTL time.Duration

	SimilarityThreshold float64
	SimilarityTopK      int
}

// LookupResult is the outcome of CacheOrchestrator.Get
type LookupResult struct {
	Key        string            `json:"key"`
	Value      []byte            `json:"value,omitempty"`
	Found      bool              `json:"found"`
	MatchType  string            `json:"match_type,omitempty"`
	Source     string            `json:"source,omitempty"`
	MatchedKey string            `json:"matched_key,omitempty"`
	Similarity float64           `json:"similarity,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// LookupStats counts orchestrator lookups
type LookupStats struct {
	ExactHits   int64 `json:"exact_hits"`
	SimilarHits int64 `json:"similar_hits"`
	Misses      int64 `json:"misses"`
}

// OrchestratorStats is returned by GetStats
type OrchestratorStats struct {
	Mode           Mode             `json:"mode"`
	EvictionPolicy string           `json:"eviction_policy"`
	Local          model.CacheStats `json:"local"`
	Lookups        LookupStats      `json:"lookups"`
	RingNodes      int              `json:"ring_nodes,omitempty"`
}

// CacheOrchestrator is the entry point for cache reads and writes. In single
// mode entries live in the local store; in cluster mode they are replicated
// across the ring, optionally fronted by the local store as a near cache.
type CacheOrchestrator struct {
	config      OrchestratorConfig
	store       *cache.LocalCacheStore
	engine      *cache.EvictionEngine
	replication *ReplicationCoordinator
	matcher     SimilarityMatcher
	sink        metrics.Sink

	exactHits   atomic.Int64
	similarHits atomic.Int64
	misses      atomic.Int64

	logger *zap.Logger
}

// NewCacheOrchestrator builds the local store and eviction engine. replication
// is required in cluster mode; matcher and sink may be nil.
func NewCacheOrchestrator(
	cfg OrchestratorConfig,
	replication *ReplicationCoordinator,
	matcher SimilarityMatcher,
	sink metrics.Sink,
	logger *zap.Logger,
) (*CacheOrchestrator, error) {
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeSingle
	case ModeSingle, ModeCluster:
	default:
		return nil, cacheerrors.InvalidArgument(fmt.Sprintf("unknown mode %q", cfg.Mode), nil)
	}
	if cfg.Mode == ModeCluster && replication == nil {
		return nil, cacheerrors.InvalidArgument("cluster mode requires a replication coordinator", nil)
	}
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = cache.PolicyLRU
	}
	if cfg.SimilarityTopK <= 0 {
		cfg.SimilarityTopK = 5
	}
	if cfg.NearCacheTTL <= 0 {
		cfg.NearCacheTTL = time.Minute
	}

	policy, err := cache.NewPolicy(cfg.EvictionPolicy)
	if err != nil {
		return nil, cacheerrors.InvalidArgument("invalid eviction policy", err)
	}

	if sink == nil {
		sink = metrics.NopRecorder{}
	}
	safe := &safeSink{inner: sink, logger: logger}

	store := cache.NewLocalCacheStore(cfg.MaxMemoryBytes, logger)
	engine := cache.NewEvictionEngine(store, cache.EvictionConfig{
		Policy:        policy,
		SweepInterval: cfg.SweepInterval,
		OnEvict:       safe.RecordEviction,
	}, logger)

	return &CacheOrchestrator{
		config:      cfg,
		store:       store,
		engine:      engine,
		replication: replication,
		matcher:     matcher,
		sink:        safe,
		logger:      logger,
	}, nil
}

// Start launches the local TTL sweeper
func (o *CacheOrchestrator) Start() {
	o.engine.Start()
}

// Close stops background work
func (o *CacheOrchestrator) Close() {
	o.engine.Stop()
}

// Mode returns the deployment mode
func (o *CacheOrchestrator) Mode() Mode {
	return o.config.Mode
}

// Get looks key up using the configured similarity threshold
func (o *CacheOrchestrator) Get(ctx context.Context, key string) (*LookupResult, error) {
	return o.GetWithThreshold(ctx, key, o.config.SimilarityThreshold)
}

// GetWithThreshold performs an exact lookup and, on a miss with threshold > 0,
// asks the similarity matcher for the best close match.
func (o *CacheOrchestrator) GetWithThreshold(ctx context.Context, key string, threshold float64) (*LookupResult, error) {
	if key == "" {
		return nil, cacheerrors.InvalidArgument("key must not be empty", nil)
	}
	start := time.Now()

	res, err := o.exact(ctx, key)
	if err != nil {
		return nil, err
	}
	if res.Found {
		o.exactHits.Add(1)
		o.sink.RecordHit(MatchExact, sinceMs(start))
		return res, nil
	}

	if o.matcher != nil && threshold > 0 {
		if similar := o.similar(ctx, key, threshold); similar != nil {
			o.similarHits.Add(1)
			o.sink.RecordHit(MatchSimilar, sinceMs(start))
			return similar, nil
		}
	}

	o.misses.Add(1)
	o.sink.RecordMiss(sinceMs(start))
	return &LookupResult{Key: key}, nil
}

func (o *CacheOrchestrator) exact(ctx context.Context, key string) (*LookupResult, error) {
	if o.config.Mode == ModeSingle || o.config.NearCache {
		if entry, ok := o.store.Get(key); ok {
			return &LookupResult{
				Key:       key,
				Value:     entry.Value,
				Found:     true,
				MatchType: MatchExact,
				Source:    SourceLocal,
				Metadata:  entry.Metadata,
			}, nil
		}
		if o.config.Mode == ModeSingle {
			return &LookupResult{Key: key}, nil
		}
	}

	read, err := o.replication.ReadDetailed(ctx, key)
	if err != nil {
		return nil, err
	}
	if !read.Found {
		return &LookupResult{Key: key}, nil
	}

	if o.config.NearCache {
		o.nearCachePut(key, read.Value, o.config.NearCacheTTL, read.Metadata)
	}
	return &LookupResult{
		Key:       key,
		Value:     read.Value,
		Found:     true,
		MatchType: MatchExact,
		Source:    SourceCluster,
		Metadata:  read.Metadata,
	}, nil
}

// similar returns the best match, or nil when the matcher has none or fails
func (o *CacheOrchestrator) similar(ctx context.Context, key string, threshold float64) *LookupResult {
	matches, err := o.matcher.FindSimilar(ctx, key, threshold, o.config.SimilarityTopK)
	if err != nil {
		o.logger.Warn("Similarity lookup failed", zap.String("key", key), zap.Error(err))
		return nil
	}

	var best *Match
	for i := range matches {
		m := &matches[i]
		if m.Score < threshold || m.Key == key {
			continue
		}
		if best == nil || m.Score > best.Score {
			best = m
		}
	}
	if best == nil {
		return nil
	}

	value, metadata := best.Value, best.Metadata
	if value == nil {
		res, err := o.exact(ctx, best.Key)
		if err != nil || !res.Found {
			o.logger.Debug("Similar key no longer cached",
				zap.String("key", key),
				zap.String("matched_key", best.Key))
			return nil
		}
		value = res.Value
		if metadata == nil {
			metadata = res.Metadata
		}
	}

	source := SourceLocal
	if o.config.Mode == ModeCluster {
		source = SourceCluster
	}
	return &LookupResult{
		Key:        key,
		Value:      value,
		Found:      true,
		MatchType:  MatchSimilar,
		Source:     source,
		MatchedKey: best.Key,
		Similarity: best.Score,
		Metadata:   metadata,
	}
}

// Put stores value under key. In single mode it evicts to make room first
// and fails with EvictionExhausted for an entry larger than the budget. In
// cluster mode it writes through the replication coordinator.
func (o *CacheOrchestrator) Put(ctx context.Context, key string, value []byte, ttl time.Duration, metadata map[string]string) error {
	if key == "" {
		return cacheerrors.InvalidArgument("key must not be empty", nil)
	}
	if ttl < 0 {
		return cacheerrors.InvalidArgument("ttl must not be negative", nil)
	}

	if o.config.Mode == ModeSingle {
		if err := o.engine.Admit(key, value, ttl, metadata); err != nil {
			o.logger.Warn("Cannot admit cache entry",
				zap.String("key", key),
				zap.Int("size", len(value)),
				zap.Error(err))
			return err
		}
		return nil
	}

	if _, err := o.replication.WriteWithMetadata(ctx, key, value, ttl, metadata); err != nil {
		// A stale near-cache copy must not outlive a failed overwrite
		o.store.Delete(key)
		return err
	}
	if o.config.NearCache {
		nearTTL := o.config.NearCacheTTL
		if ttl > 0 && ttl < nearTTL {
			nearTTL = ttl
		}
		o.nearCachePut(key, value, nearTTL, metadata)
	}
	return nil
}

func (o *CacheOrchestrator) nearCachePut(key string, value []byte, ttl time.Duration, metadata map[string]string) {
	if err := o.engine.Admit(key, value, ttl, metadata); err != nil {
		o.store.Delete(key)
		o.logger.Debug("Skipping near cache", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key locally and, in cluster mode, from its owners
func (o *CacheOrchestrator) Delete(ctx context.Context, key string) error {
	if key == "" {
		return cacheerrors.InvalidArgument("key must not be empty", nil)
	}

	o.store.Delete(key)
	if o.config.Mode == ModeSingle {
		return nil
	}
	_, err := o.replication.Delete(ctx, key)
	return err
}

// EnforceEviction runs one pass of the eviction policy over the local store
func (o *CacheOrchestrator) EnforceEviction() int {
	return o.engine.Enforce()
}

// Clear empties the local store. Cluster backends are left untouched.
func (o *CacheOrchestrator) Clear() {
	o.store.Clear()
	o.logger.Info("Local cache cleared", zap.String("mode", string(o.config.Mode)))
}

// GetStats reports local store and lookup counters
func (o *CacheOrchestrator) GetStats() OrchestratorStats {
	stats := OrchestratorStats{
		Mode:           o.config.Mode,
		EvictionPolicy: o.engine.Policy().Name(),
		Local:          o.store.Stats(),
		Lookups: LookupStats{
			ExactHits:   o.exactHits.Load(),
			SimilarHits: o.similarHits.Load(),
			Misses:      o.misses.Load(),
		},
	}
	if o.replication != nil {
		stats.RingNodes = o.replication.routing.NodeCount()
	}
	return stats
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// safeSink shields callers from panicking metric sinks
type safeSink struct {
	inner  metrics.Sink
	logger *zap.Logger
}

func (s *safeSink) guard(op string) {
	if r := recover(); r != nil {
		s.logger.Error("Metrics sink panicked", zap.String("op", op), zap.Any("panic", r))
	}
}

func (s *safeSink) RecordHit(matchType string, latencyMs float64) {
	defer s.guard("hit")
	s.inner.RecordHit(matchType, latencyMs)
}

func (s *safeSink) RecordMiss(latencyMs float64) {
	defer s.guard("miss")
	s.inner.RecordMiss(latencyMs)
}

func (s *safeSink) RecordEviction(count int) {
	defer s.guard("eviction")
	s.inner.RecordEviction(count)
}
