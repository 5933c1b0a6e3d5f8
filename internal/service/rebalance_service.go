package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/devrev/cachemesh/internal/algorithm"
	"github.com/devrev/cachemesh/internal/codec"
	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/metrics"
	"github.com/devrev/cachemesh/internal/model"
	"github.com/devrev/cachemesh/internal/store"
	"github.com/devrev/cachemesh/internal/util/workerpool"
)

// RebalanceConfig configures key migration
type RebalanceConfig struct {
	Workers int
	// KeysPerSecond caps migrations; zero means unlimited
	KeysPerSecond float64
	// ExcludePrefix skips keys that are not cache entries, such as lock leases
	ExcludePrefix string
	NodeTimeout   time.Duration
}

// DefaultRebalanceConfig migrates with eight workers and no rate cap
func DefaultRebalanceConfig() RebalanceConfig {
	return RebalanceConfig{
		Workers:       8,
		ExcludePrefix: DefaultLockConfig().KeyPrefix,
		NodeTimeout:   5 * time.Second,
	}
}

// RebalanceService moves keys whose owner set changed since the last
// successful run. Only one run proceeds at a time.
type RebalanceService struct {
	routing *RoutingService
	config  RebalanceConfig
	pool    *workerpool.WorkerPool
	limiter *rate.Limiter

	running   atomic.Bool
	pending   atomic.Bool
	currentID atomic.Value

	lastRing   *algorithm.ConsistentHashRing
	lastReport *model.RebalanceReport
	mu         sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	metrics metrics.Recorder
	logger  *zap.Logger
}

// NewRebalanceService creates a rebalancer whose baseline is the current ring
func NewRebalanceService(routing *RoutingService, cfg RebalanceConfig, recorder metrics.Recorder, logger *zap.Logger) *RebalanceService {
	defaults := DefaultRebalanceConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = defaults.NodeTimeout
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}

	limit := rate.Inf
	burst := 1
	if cfg.KeysPerSecond > 0 {
		limit = rate.Limit(cfg.KeysPerSecond)
		burst = cfg.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RebalanceService{
		routing: routing,
		config:  cfg,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "rebalance",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.Workers * 4,
			Logger:     logger,
		}),
		limiter:  rate.NewLimiter(limit, burst),
		lastRing: routing.Ring().Clone(),
		ctx:      ctx,
		cancel:   cancel,
		metrics:  recorder,
		logger:   logger,
	}
	s.currentID.Store("")
	return s
}

// InProgress reports whether a run is active
func (s *RebalanceService) InProgress() bool {
	return s.running.Load()
}

// LastReport returns the report of the most recent run, or nil
func (s *RebalanceService) LastReport() *model.RebalanceReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return nil
	}
	r := *s.lastReport
	return &r
}

// TriggerAsync schedules a run in the background. A trigger arriving while a
// run is active is remembered and causes one more run once it finishes.
func (s *RebalanceService) TriggerAsync(reason string) {
	s.pending.Store(true)
	go s.drain(reason)
}

// drain runs until no trigger is pending. When another run holds the slot the
// pending flag is left set for that run to pick up as it finishes.
func (s *RebalanceService) drain(reason string) {
	for s.pending.CompareAndSwap(true, false) {
		_, err := s.RebalanceShards(s.ctx, reason)
		if errors.Is(err, cacheerrors.ErrRebalanceInProgress) {
			s.pending.Store(true)
			if s.running.Load() {
				return
			}
			continue
		}
		if err != nil {
			s.logger.Error("Background rebalance failed", zap.String("reason", reason), zap.Error(err))
		}
		reason = "pending_changes"
	}
}

// finishRun releases the run slot and starts draining triggers that arrived meanwhile
func (s *RebalanceService) finishRun() {
	s.running.Store(false)
	if s.pending.Load() && s.ctx.Err() == nil {
		go s.drain("pending_changes")
	}
}

// Close cancels background runs and stops the migration workers
func (s *RebalanceService) Close() error {
	s.cancel()
	return s.pool.Stop(10 * time.Second)
}

// RebalanceShards syncs the ring with node health, then copies every key in
// a changed token range to its new owners and removes it from nodes that no
// longer own it. A stale copy is only removed once every new owner holds it.
func (s *RebalanceService) RebalanceShards(ctx context.Context, reason string) (*model.RebalanceReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, cacheerrors.RebalanceInProgress(s.currentID.Load().(string))
	}
	defer s.finishRun()

	report := &model.RebalanceReport{
		RebalanceID: uuid.New().String(),
		Reason:      reason,
		Status:      model.RebalanceStatusInProgress,
		StartedAt:   time.Now(),
	}
	s.currentID.Store(report.RebalanceID)
	defer s.currentID.Store("")

	removed, restored := s.routing.SyncRingWithHealth()
	next := s.routing.Ring().Clone()
	owners := s.routing.ReplicaCount() + 1

	s.mu.Lock()
	prev := s.lastRing
	s.mu.Unlock()

	ranges := algorithm.AffectedRanges(prev, next, owners)
	report.AffectedRanges = len(ranges)

	s.logger.Info("Rebalance started",
		zap.String("rebalance_id", report.RebalanceID),
		zap.String("reason", reason),
		zap.Strings("removed_nodes", removed),
		zap.Strings("restored_nodes", restored),
		zap.Int("affected_ranges", len(ranges)))

	var runErr error
	if len(ranges) > 0 {
		runErr = s.migrate(ctx, report, next, ranges, owners)
	}

	now := time.Now()
	report.CompletedAt = &now
	if len(ranges) == 0 || report.Progress.TotalKeys == 0 {
		report.Progress.Percentage = 100
	}

	switch {
	case runErr != nil:
		report.Status = model.RebalanceStatusFailed
		report.ErrorMessage = runErr.Error()
	case report.Progress.KeysFailed > 0:
		report.Status = model.RebalanceStatusFailed
		report.ErrorMessage = fmt.Sprintf("%d keys failed to migrate", report.Progress.KeysFailed)
	default:
		report.Status = model.RebalanceStatusCompleted
	}

	s.mu.Lock()
	if report.Status == model.RebalanceStatusCompleted {
		s.lastRing = next
	}
	s.lastReport = report
	s.mu.Unlock()

	s.metrics.RecordRebalance(string(report.Status), report.Progress.KeysMigrated)
	s.logger.Info("Rebalance finished",
		zap.String("rebalance_id", report.RebalanceID),
		zap.String("status", string(report.Status)),
		zap.Int64("keys_scanned", report.Progress.KeysScanned),
		zap.Int64("keys_migrated", report.Progress.KeysMigrated),
		zap.Int64("keys_deleted", report.Progress.KeysDeleted),
		zap.Int64("keys_failed", report.Progress.KeysFailed),
		zap.Duration("duration", now.Sub(report.StartedAt)))

	if runErr != nil && ctx.Err() != nil {
		return report, runErr
	}
	return report, nil
}

// migrate scans the reachable nodes and moves every key that falls in ranges
func (s *RebalanceService) migrate(
	ctx context.Context,
	report *model.RebalanceReport,
	next *algorithm.ConsistentHashRing,
	ranges []model.TokenRange,
	owners int,
) error {
	holdings, scanErr := s.scan(ctx)

	keys := make([]string, 0, len(holdings))
	for key := range holdings {
		report.Progress.KeysScanned++
		if inRanges(algorithm.Hash(key), ranges) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	report.Progress.TotalKeys = int64(len(keys))

	var migrated, deleted, failed, processed atomic.Int64
	tasks := make([]workerpool.Task, 0, len(keys))
	for _, key := range keys {
		key := key
		tasks = append(tasks, workerpool.Task{
			ID: key,
			Fn: func(ctx context.Context) error {
				defer processed.Add(1)
				if err := s.limiter.Wait(ctx); err != nil {
					failed.Add(1)
					return err
				}
				copied, removed, err := s.moveKey(ctx, key, holdings[key], next.NodesForHash(algorithm.Hash(key), owners))
				if copied {
					migrated.Add(1)
				}
				deleted.Add(int64(removed))
				if err != nil {
					failed.Add(1)
					s.logger.Warn("Key migration failed",
						zap.String("rebalance_id", report.RebalanceID),
						zap.String("key", key),
						zap.Error(err))
				}
				return err
			},
		})
	}

	batch := s.pool.RunBatch(ctx, tasks)
	report.Progress.KeysMigrated = migrated.Load()
	report.Progress.KeysDeleted = deleted.Load()
	report.Progress.KeysFailed = failed.Load() + int64(batch.Rejected)
	if report.Progress.TotalKeys > 0 {
		report.Progress.Percentage = float64(processed.Load()) / float64(report.Progress.TotalKeys) * 100
	}

	if batch.Err != nil {
		return batch.Err
	}
	return scanErr
}

// scan lists the keys of every available node. Nodes that cannot be scanned
// are reported in the returned error.
func (s *RebalanceService) scan(ctx context.Context) (map[string][]string, error) {
	membership := s.routing.Membership()
	var nodes []string
	for _, id := range membership.IDs() {
		if membership.IsAvailable(id) {
			nodes = append(nodes, id)
		}
	}

	var (
		mu       sync.Mutex
		holdings = make(map[string][]string)
		failures []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, nodeID := range nodes {
		nodeID := nodeID
		g.Go(func() error {
			keys, err := s.scanNode(gctx, nodeID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, nodeID)
				s.logger.Warn("Rebalance scan failed", zap.String("node_id", nodeID), zap.Error(err))
				return nil
			}
			for _, key := range keys {
				if s.config.ExcludePrefix != "" && strings.HasPrefix(key, s.config.ExcludePrefix) {
					continue
				}
				holdings[key] = append(holdings[key], nodeID)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, h := range holdings {
		sort.Strings(h)
	}
	if len(failures) > 0 {
		sort.Strings(failures)
		return holdings, cacheerrors.NodeUnreachable(strings.Join(failures, ","), nil)
	}
	return holdings, nil
}

func (s *RebalanceService) scanNode(ctx context.Context, nodeID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.NodeTimeout)
	defer cancel()

	backend, err := s.routing.Backend(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return backend.Scan(ctx, "*")
}

// heldCopy is one holder's frame of a key with its remaining TTL
type heldCopy struct {
	nodeID    string
	frame     []byte
	ttl       time.Duration
	createdAt time.Time
}

// moveKey picks the newest copy among the holders (by the frame's creation
// time), writes it to owners that lack the key or hold an older copy, then
// deletes the key from holders outside owners. It reports whether any copy
// was written and how many stale copies were removed.
func (s *RebalanceService) moveKey(ctx context.Context, key string, holders, owners []string) (bool, int, error) {
	owned := make(map[string]bool, len(owners))
	for _, o := range owners {
		owned[o] = true
	}

	copies, newest, err := s.readCopies(ctx, key, holders, owned)
	if err != nil {
		return false, 0, err
	}
	if newest == nil {
		// Expired or deleted since the scan
		return false, 0, nil
	}

	copied := false
	for _, nodeID := range owners {
		if c, ok := copies[nodeID]; ok && !c.createdAt.Before(newest.createdAt) {
			continue
		}
		if err := s.withBackend(ctx, nodeID, func(ctx context.Context, b store.Backend) error {
			return b.Set(ctx, key, newest.frame, newest.ttl)
		}); err != nil {
			return copied, 0, fmt.Errorf("copy to %s: %w", nodeID, err)
		}
		if _, ok := copies[nodeID]; ok {
			s.logger.Debug("Replaced outdated copy",
				zap.String("key", key),
				zap.String("node_id", nodeID),
				zap.String("source", newest.nodeID))
		}
		copied = true
	}

	removed := 0
	for _, nodeID := range holders {
		if owned[nodeID] {
			continue
		}
		if err := s.withBackend(ctx, nodeID, func(ctx context.Context, b store.Backend) error {
			return b.Delete(ctx, key)
		}); err != nil {
			return copied, removed, fmt.Errorf("delete from %s: %w", nodeID, err)
		}
		removed++
	}
	return copied, removed, nil
}

// readCopies fetches every holder's frame and remaining TTL and returns the
// newest one. Ties go to holders that remain owners; undecodable frames rank
// oldest. Holders that fail to answer are skipped unless none answered.
func (s *RebalanceService) readCopies(ctx context.Context, key string, holders []string, owned map[string]bool) (map[string]*heldCopy, *heldCopy, error) {
	ordered := append([]string(nil), holders...)
	sort.SliceStable(ordered, func(i, j int) bool { return owned[ordered[i]] && !owned[ordered[j]] })

	copies := make(map[string]*heldCopy, len(ordered))
	var newest *heldCopy
	var lastErr error
	for _, nodeID := range ordered {
		var c *heldCopy
		err := s.withBackend(ctx, nodeID, func(ctx context.Context, b store.Backend) error {
			remaining, err := b.TTL(ctx, key)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			v, ok, err := b.Get(ctx, key)
			if err != nil || !ok {
				return err
			}
			c = &heldCopy{nodeID: nodeID, frame: v}
			switch {
			case remaining == store.NoExpiry:
			case remaining > 0:
				c.ttl = remaining
			default:
				c = nil
			}
			return nil
		})
		if err != nil {
			lastErr = err
			continue
		}
		if c == nil {
			continue
		}
		if payload, err := codec.Decode(c.frame); err == nil {
			c.createdAt = payload.CreatedAt
		}
		copies[nodeID] = c
		if newest == nil || c.createdAt.After(newest.createdAt) {
			newest = c
		}
	}
	if newest == nil && lastErr != nil {
		return nil, nil, lastErr
	}
	return copies, newest, nil
}

func (s *RebalanceService) withBackend(ctx context.Context, nodeID string, fn func(context.Context, store.Backend) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.NodeTimeout)
	defer cancel()

	backend, err := s.routing.Backend(ctx, nodeID)
	if err != nil {
		return err
	}
	return fn(ctx, backend)
}

func inRanges(hash uint64, ranges []model.TokenRange) bool {
	for _, r := range ranges {
		if r.Contains(hash) {
			return true
		}
	}
	return false
}
