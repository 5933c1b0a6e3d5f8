package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/cachemesh/internal/algorithm"
	"github.com/devrev/cachemesh/internal/codec"
	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/metrics"
	"github.com/devrev/cachemesh/internal/model"
)

// BreakerConfig configures the per-node circuit breakers
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker; zero disables breakers
	ConsecutiveFailures uint32
	// OpenTimeout is how long an open breaker rejects calls before probing again
	OpenTimeout time.Duration
}

// DefaultBreakerConfig opens after five consecutive failures for ten seconds
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 10 * time.Second}
}

// ReplicationCoordinator performs quorum writes, failover reads and fan-out
// deletes across the nodes the ring assigns to a key.
type ReplicationCoordinator struct {
	routing *RoutingService
	config  model.ReplicationConfig
	quorum  *algorithm.QuorumCalculator

	breakerConfig BreakerConfig
	breakers      map[string]*gobreaker.CircuitBreaker
	breakersMu    sync.Mutex

	metrics metrics.Recorder
	logger  *zap.Logger
	now     func() time.Time
}

// NewReplicationCoordinator creates a coordinator; cfg must already be valid
func NewReplicationCoordinator(
	routing *RoutingService,
	cfg model.ReplicationConfig,
	breakerCfg BreakerConfig,
	recorder metrics.Recorder,
	logger *zap.Logger,
) (*ReplicationCoordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, cacheerrors.InvalidArgument("invalid replication config", err)
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &ReplicationCoordinator{
		routing:       routing,
		config:        cfg,
		quorum:        algorithm.NewQuorumCalculator(),
		breakerConfig: breakerCfg,
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		metrics:       recorder,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Config returns the replication parameters
func (c *ReplicationCoordinator) Config() model.ReplicationConfig {
	return c.config
}

type nodeResult struct {
	nodeID string
	err    error
}

// Write stores value on the primary and replicas of key
func (c *ReplicationCoordinator) Write(ctx context.Context, key string, value []byte, ttl time.Duration) (*model.WriteResult, error) {
	return c.WriteWithMetadata(ctx, key, value, ttl, nil)
}

// WriteWithMetadata writes concurrently to every owner of key and returns once
// the required acknowledgements arrived, every node answered, or the failover
// timeout elapsed. Writes still pending at return keep running under their own
// deadline; nothing is rolled back on failure.
func (c *ReplicationCoordinator) WriteWithMetadata(
	ctx context.Context,
	key string,
	value []byte,
	ttl time.Duration,
	metadata map[string]string,
) (*model.WriteResult, error) {
	if key == "" {
		return nil, cacheerrors.InvalidArgument("key must not be empty", nil)
	}

	targets, err := c.routing.Route(key)
	if err != nil {
		return nil, err
	}

	frame, err := codec.Encode(&codec.Payload{Value: value, CreatedAt: c.now(), Metadata: metadata})
	if err != nil {
		return nil, err
	}

	required := c.config.RequiredAcks()
	result := &model.WriteResult{
		Key:      key,
		Primary:  targets[0],
		Replicas: targets[1:],
		Required: required,
	}

	results := make(chan nodeResult, len(targets))
	for _, nodeID := range targets {
		nodeID := nodeID
		go func() {
			results <- nodeResult{nodeID: nodeID, err: c.setOnNode(ctx, nodeID, key, frame, ttl)}
		}()
	}

	timer := time.NewTimer(c.config.FailoverTimeout)
	defer timer.Stop()

	pending := len(targets)
wait:
	for pending > 0 && !c.quorum.IsQuorumReached(result.Acks, required) {
		if !c.quorum.CanStillReach(result.Acks, pending, required) {
			break
		}
		select {
		case r := <-results:
			pending--
			if r.err != nil {
				result.FailedNodes = append(result.FailedNodes, r.nodeID)
				c.metrics.RecordReplicaWrite(r.nodeID, "error")
				c.logger.Warn("Write failed to replica",
					zap.String("key", key),
					zap.String("node_id", r.nodeID),
					zap.Error(r.err))
				continue
			}
			result.Acks++
			c.metrics.RecordReplicaWrite(r.nodeID, "success")
		case <-timer.C:
			c.logger.Warn("Write timed out waiting for quorum",
				zap.String("key", key),
				zap.Int("acks", result.Acks),
				zap.Int("pending", pending),
				zap.Duration("timeout", c.config.FailoverTimeout))
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	if !c.quorum.IsQuorumReached(result.Acks, required) {
		c.metrics.RecordQuorumFailure("write")
		qerr := cacheerrors.QuorumNotMet(key, result.Acks, required)
		if ctxErr := ctx.Err(); ctxErr != nil {
			qerr.Cause = ctxErr
		}
		result.ErrorMessage = qerr.Error()
		return result, qerr
	}

	if pending > 0 {
		// Remaining writes finish in the background; drain their results
		go c.drainWrites(key, results, pending)
	}

	result.Success = true
	c.logger.Debug("Write completed",
		zap.String("key", key),
		zap.Int("acks", result.Acks),
		zap.Int("required", required),
		zap.String("sync_mode", string(c.config.SyncMode)))
	return result, nil
}

func (c *ReplicationCoordinator) drainWrites(key string, results <-chan nodeResult, pending int) {
	for i := 0; i < pending; i++ {
		r := <-results
		if r.err != nil {
			c.metrics.RecordReplicaWrite(r.nodeID, "error")
			c.logger.Warn("Background replica write failed",
				zap.String("key", key),
				zap.String("node_id", r.nodeID),
				zap.Error(r.err))
			continue
		}
		c.metrics.RecordReplicaWrite(r.nodeID, "success")
	}
}

// setOnNode writes one frame with a deadline detached from the caller, so a
// returning caller does not cancel stragglers.
func (c *ReplicationCoordinator) setOnNode(ctx context.Context, nodeID, key string, frame []byte, ttl time.Duration) error {
	nodeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.FailoverTimeout)
	defer cancel()

	_, err := c.execute(nodeID, func() (interface{}, error) {
		backend, err := c.routing.Backend(nodeCtx, nodeID)
		if err != nil {
			return nil, err
		}
		return nil, backend.Set(nodeCtx, key, frame, ttl)
	})
	return err
}

// Read returns the value of key from the first reachable candidate
func (c *ReplicationCoordinator) Read(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := c.ReadDetailed(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// ReadDetailed tries candidates in read-preference order, each bounded by the
// failover timeout. Unreachable or corrupt answers fall through to the next
// candidate; a reachable node reporting the key missing ends the read.
func (c *ReplicationCoordinator) ReadDetailed(ctx context.Context, key string) (*model.ReadResult, error) {
	if key == "" {
		return nil, cacheerrors.InvalidArgument("key must not be empty", nil)
	}

	targets, err := c.routing.Route(key)
	if err != nil {
		return nil, err
	}

	result := &model.ReadResult{Key: key}
	var failures []string
	var lastErr error

	for _, nodeID := range c.orderCandidates(targets) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Attempts++

		frame, found, err := c.getFromNode(ctx, nodeID, key)
		if err != nil {
			lastErr = err
			failures = append(failures, nodeID)
			c.metrics.RecordReplicaRead(nodeID, "error")
			c.logger.Warn("Read failed, trying next candidate",
				zap.String("key", key),
				zap.String("node_id", nodeID),
				zap.Error(err))
			continue
		}

		result.ServedBy = nodeID
		if !found {
			c.metrics.RecordReplicaRead(nodeID, "not_found")
			return result, nil
		}

		payload, err := codec.Decode(frame)
		if err != nil {
			lastErr = err
			failures = append(failures, nodeID)
			c.metrics.RecordReplicaRead(nodeID, "corrupt")
			c.logger.Error("Corrupted payload on node",
				zap.String("key", key),
				zap.String("node_id", nodeID),
				zap.Error(err))
			continue
		}

		c.metrics.RecordReplicaRead(nodeID, "success")
		result.Found = true
		result.Value = payload.Value
		result.Metadata = payload.Metadata
		result.CreatedAt = payload.CreatedAt
		return result, nil
	}

	result.ServedBy = ""
	unreachable := cacheerrors.NodeUnreachable(strings.Join(failures, ","), lastErr)
	c.logger.Warn("All candidates unreachable, treating as miss",
		zap.String("key", key),
		zap.Int("attempts", result.Attempts),
		zap.Error(unreachable))
	return result, nil
}

func (c *ReplicationCoordinator) getFromNode(ctx context.Context, nodeID, key string) ([]byte, bool, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, c.config.FailoverTimeout)
	defer cancel()

	type getReply struct {
		value []byte
		found bool
	}
	out, err := c.execute(nodeID, func() (interface{}, error) {
		backend, err := c.routing.Backend(nodeCtx, nodeID)
		if err != nil {
			return nil, err
		}
		value, found, err := backend.Get(nodeCtx, key)
		if err != nil {
			return nil, err
		}
		return getReply{value: value, found: found}, nil
	})
	if err != nil {
		return nil, false, err
	}
	reply := out.(getReply)
	return reply.value, reply.found, nil
}

// orderCandidates applies the read preference and moves known-failed nodes last
func (c *ReplicationCoordinator) orderCandidates(targets []string) []string {
	ordered := make([]string, 0, len(targets))
	switch c.config.ReadPreference {
	case model.ReadPreferenceReplica:
		ordered = append(ordered, targets[1:]...)
		ordered = append(ordered, targets[0])
	case model.ReadPreferenceAny:
		ordered = append(ordered, targets...)
		membership := c.routing.Membership()
		latency := make(map[string]float64, len(ordered))
		for _, id := range ordered {
			if n, ok := membership.Get(id); ok {
				latency[id] = n.LatencyMs
			}
		}
		sort.SliceStable(ordered, func(i, j int) bool { return latency[ordered[i]] < latency[ordered[j]] })
	default:
		ordered = append(ordered, targets...)
	}

	membership := c.routing.Membership()
	sort.SliceStable(ordered, func(i, j int) bool {
		return membership.IsAvailable(ordered[i]) && !membership.IsAvailable(ordered[j])
	})
	return ordered
}

// Delete removes key from the primary and every replica. Partial failures
// are logged and not retried; an error is returned only when no node acknowledged.
func (c *ReplicationCoordinator) Delete(ctx context.Context, key string) (*model.DeleteResult, error) {
	if key == "" {
		return nil, cacheerrors.InvalidArgument("key must not be empty", nil)
	}

	targets, err := c.routing.Route(key)
	if err != nil {
		return nil, err
	}

	result := &model.DeleteResult{Key: key}
	var (
		mu      sync.Mutex
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, nodeID := range targets {
		nodeID := nodeID
		g.Go(func() error {
			nodeCtx, cancel := context.WithTimeout(gctx, c.config.FailoverTimeout)
			defer cancel()

			_, err := c.execute(nodeID, func() (interface{}, error) {
				backend, err := c.routing.Backend(nodeCtx, nodeID)
				if err != nil {
					return nil, err
				}
				return nil, backend.Delete(nodeCtx, key)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				result.FailedNodes = append(result.FailedNodes, nodeID)
				c.metrics.RecordReplicaDelete(nodeID, "error")
				c.logger.Warn("Delete failed on replica",
					zap.String("key", key),
					zap.String("node_id", nodeID),
					zap.Error(err))
				return nil
			}
			result.Acks++
			c.metrics.RecordReplicaDelete(nodeID, "success")
			return nil
		})
	}
	_ = g.Wait()

	if result.Acks == 0 {
		return result, cacheerrors.NodeUnreachable(strings.Join(result.FailedNodes, ","), lastErr)
	}
	return result, nil
}

// BreakerState returns the breaker state of a node, "closed" when none exists yet
func (c *ReplicationCoordinator) BreakerState(nodeID string) string {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()

	if cb, ok := c.breakers[nodeID]; ok {
		return cb.State().String()
	}
	return gobreaker.StateClosed.String()
}

func (c *ReplicationCoordinator) execute(nodeID string, fn func() (interface{}, error)) (interface{}, error) {
	cb := c.breaker(nodeID)
	if cb == nil {
		return fn()
	}
	out, err := cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, cacheerrors.NodeUnreachable(nodeID, fmt.Errorf("circuit breaker: %w", err))
	}
	return out, err
}

func (c *ReplicationCoordinator) breaker(nodeID string) *gobreaker.CircuitBreaker {
	if c.breakerConfig.ConsecutiveFailures == 0 {
		return nil
	}

	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()

	if cb, ok := c.breakers[nodeID]; ok {
		return cb
	}

	threshold := c.breakerConfig.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        nodeID,
		MaxRequests: 1,
		Timeout:     c.breakerConfig.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Node circuit breaker state changed",
				zap.String("node_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[nodeID] = cb
	return cb
}
