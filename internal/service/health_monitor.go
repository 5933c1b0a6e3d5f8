package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/cachemesh/internal/cluster"
	"github.com/devrev/cachemesh/internal/metrics"
	"github.com/devrev/cachemesh/internal/model"
)

// HealthConfig configures the cluster health monitor
type HealthConfig struct {
	Interval        time.Duration
	ProbeTimeout    time.Duration
	DegradedLatency time.Duration
	MaxConcurrent   int
	// AutoRebalance fires the rebalance trigger on failures, recoveries and new nodes
	AutoRebalance bool
}

// DefaultHealthConfig probes every five seconds
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:        5 * time.Second,
		ProbeTimeout:    2 * time.Second,
		DegradedLatency: 100 * time.Millisecond,
		MaxConcurrent:   16,
	}
}

// ClusterHealthMonitor probes every registered node on a fixed interval and
// records the results in membership. It is the only writer of node status.
type ClusterHealthMonitor struct {
	routing *RoutingService
	config  HealthConfig

	trigger   func(reason string)
	last      model.ClusterHealth
	seen      map[string]bool
	firstPass bool
	mu        sync.Mutex

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	metrics metrics.Recorder
	logger  *zap.Logger
}

// NewClusterHealthMonitor creates a monitor; zero config fields take defaults
func NewClusterHealthMonitor(routing *RoutingService, cfg HealthConfig, recorder metrics.Recorder, logger *zap.Logger) *ClusterHealthMonitor {
	defaults := DefaultHealthConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.DegradedLatency <= 0 {
		cfg.DegradedLatency = defaults.DegradedLatency
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &ClusterHealthMonitor{
		routing:   routing,
		config:    cfg,
		seen:      make(map[string]bool),
		firstPass: true,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		metrics:   recorder,
		logger:    logger,
	}
}

// SetRebalanceTrigger installs the callback fired when AutoRebalance is on
func (h *ClusterHealthMonitor) SetRebalanceTrigger(fn func(reason string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trigger = fn
}

// Start runs a probe pass immediately and then every interval
func (h *ClusterHealthMonitor) Start() {
	go h.loop()
	h.logger.Info("Health monitor started", zap.Duration("interval", h.config.Interval))
}

// Stop ends the probe loop and waits for the pass in flight
func (h *ClusterHealthMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		<-h.doneCh
		h.logger.Info("Health monitor stopped")
	})
}

func (h *ClusterHealthMonitor) loop() {
	defer close(h.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-h.stopCh
		cancel()
	}()

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.CheckNow(ctx)
	for {
		select {
		case <-ticker.C:
			h.CheckNow(ctx)
		case <-h.stopCh:
			return
		}
	}
}

// CheckNow probes every registered node concurrently, applies the results and
// returns the aggregate cluster health.
func (h *ClusterHealthMonitor) CheckNow(ctx context.Context) model.ClusterHealth {
	membership := h.routing.Membership()
	ids := membership.IDs()

	probes := make([]cluster.ProbeResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.MaxConcurrent)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			probes[i] = h.probe(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	reason := ""
	for i, id := range ids {
		transition, err := membership.UpdateHealth(id, probes[i])
		if err != nil {
			// Deregistered while the probe was in flight
			continue
		}
		h.metrics.SetNodeStatus(id, string(probes[i].Status))
		if transition == nil {
			continue
		}

		h.logger.Info("Node status changed",
			zap.String("node_id", id),
			zap.String("from", string(transition.From)),
			zap.String("to", string(transition.To)),
			zap.Duration("latency", probes[i].Latency))

		switch {
		case transition.To == model.NodeStatusFailed && reason == "":
			reason = "node_failed:" + id
		case transition.From == model.NodeStatusFailed && reason == "":
			reason = "node_recovered:" + id
		}
	}

	health := cluster.Aggregate(membership.List())
	h.metrics.SetClusterStatus(string(health.Status))

	h.mu.Lock()
	current := make(map[string]bool, len(ids))
	for _, id := range ids {
		current[id] = true
		if !h.firstPass && !h.seen[id] && reason == "" {
			reason = "node_joined:" + id
		}
	}
	h.seen = current
	h.firstPass = false
	h.last = health
	trigger := h.trigger
	h.mu.Unlock()

	if health.Status != model.ClusterStatusHealthy {
		h.logger.Warn("Cluster not healthy",
			zap.String("status", string(health.Status)),
			zap.Int("failed_nodes", health.FailedNodes),
			zap.Int("degraded_nodes", health.DegradedNodes),
			zap.Int("total_nodes", health.TotalNodes))
	}

	if reason != "" && h.config.AutoRebalance && trigger != nil {
		h.logger.Info("Triggering rebalance", zap.String("reason", reason))
		trigger(reason)
	}
	return health
}

// probe pings a node and collects its stats. A failed ping marks the node
// failed; failed stats or a slow ping mark it degraded.
func (h *ClusterHealthMonitor) probe(ctx context.Context, nodeID string) cluster.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, h.config.ProbeTimeout)
	defer cancel()

	result := cluster.ProbeResult{Status: model.NodeStatusFailed}
	start := time.Now()

	backend, err := h.routing.Backend(ctx, nodeID)
	if err != nil {
		h.logger.Debug("Probe could not open backend", zap.String("node_id", nodeID), zap.Error(err))
		result.CheckedAt = time.Now()
		return result
	}

	if err := backend.Ping(ctx); err != nil {
		result.Latency = time.Since(start)
		result.CheckedAt = time.Now()
		h.logger.Debug("Probe ping failed", zap.String("node_id", nodeID), zap.Error(err))
		return result
	}
	result.Latency = time.Since(start)

	stats, err := backend.NodeStats(ctx)
	result.CheckedAt = time.Now()
	switch {
	case err != nil:
		h.logger.Debug("Probe stats failed", zap.String("node_id", nodeID), zap.Error(err))
		result.Status = model.NodeStatusDegraded
	case result.Latency > h.config.DegradedLatency:
		result.Stats = &stats
		result.Status = model.NodeStatusDegraded
	default:
		result.Stats = &stats
		result.Status = model.NodeStatusHealthy
	}
	return result
}

// ClusterHealth returns the result of the last pass
func (h *ClusterHealthMonitor) ClusterHealth() model.ClusterHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
