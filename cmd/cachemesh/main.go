// Package main provides the entry point for a cachemesh node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/cachemesh/internal/algorithm"
	"github.com/devrev/cachemesh/internal/cluster"
	"github.com/devrev/cachemesh/internal/config"
	"github.com/devrev/cachemesh/internal/handler"
	"github.com/devrev/cachemesh/internal/health"
	"github.com/devrev/cachemesh/internal/metrics"
	"github.com/devrev/cachemesh/internal/model"
	"github.com/devrev/cachemesh/internal/server"
	"github.com/devrev/cachemesh/internal/service"
	"github.com/devrev/cachemesh/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting cachemesh node",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("mode", cfg.Cache.Mode),
		zap.Int("port", cfg.Server.Port))

	var recorder metrics.Recorder = metrics.NopRecorder{}
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder = metrics.NewMetrics(registry)
		metricsServer = startMetricsServer(cfg.Metrics, registry, logger)
	}

	n, err := newNode(cfg, recorder, logger)
	if err != nil {
		logger.Fatal("Failed to initialise node", zap.Error(err))
	}
	n.start()

	httpServer := server.NewServer(cfg, n.handlers, recorder, logger)
	httpServer.SetupRoutes()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("Initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
	n.stop()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}

	logger.Info("Cachemesh node shutdown complete")
}

// node holds the components wired for one process
type node struct {
	orchestrator *service.CacheOrchestrator
	monitor      *service.ClusterHealthMonitor
	rebalance    *service.RebalanceService
	gossip       *cluster.GossipDiscovery
	pool         *store.BackendPool
	handlers     server.Handlers
	logger       *zap.Logger
}

func newNode(cfg *config.Config, recorder metrics.Recorder, logger *zap.Logger) (*node, error) {
	lockCfg := service.LockConfig{
		KeyPrefix:      cfg.Lock.KeyPrefix,
		DefaultTTL:     cfg.Lock.DefaultTTL,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		PollInterval:   time.Duration(cfg.Lock.PollIntervalMs) * time.Millisecond,
	}
	orchCfg := service.OrchestratorConfig{
		Mode:                service.Mode(cfg.Cache.Mode),
		MaxMemoryBytes:      cfg.MaxMemoryBytes(),
		EvictionPolicy:      cfg.Cache.EvictionPolicy,
		SweepInterval:       cfg.Cache.SweepInterval,
		NearCache:           cfg.Cache.NearCache,
		NearCacheTTL:        cfg.Cache.NearCacheTTL,
		SimilarityThreshold: cfg.Similarity.Threshold,
		SimilarityTopK:      cfg.Similarity.TopK,
	}
	requestTimeout := cfg.Server.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = cfg.Server.WriteTimeout
	}

	n := &node{logger: logger}

	if orchCfg.Mode == service.ModeSingle {
		orch, err := service.NewCacheOrchestrator(orchCfg, nil, nil, recorder, logger)
		if err != nil {
			return nil, err
		}
		locks := service.NewDistributedLockManager(
			service.StaticLockBackend{Backend: store.NewMemoryBackend(), NodeID: cfg.Server.NodeID},
			lockCfg, recorder, logger)

		n.orchestrator = orch
		n.handlers = server.Handlers{
			Cache:  handler.NewCacheHandler(orch, requestTimeout, logger),
			Locks:  handler.NewLockHandler(locks, logger),
			Health: health.NewHealthCheck(nil, logger),
		}
		return n, nil
	}

	n.pool = store.NewBackendPool(store.RedisFactory(store.RedisOptions{
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, logger), logger)
	n.pool.SetDialPolicy(cfg.Redis.DialTimeout, store.DefaultDialBackoff)

	routing := service.NewRoutingService(
		algorithm.NewConsistentHashRing(cfg.HashRing.VirtualNodes),
		cluster.NewMembership(logger),
		n.pool,
		cfg.Replication.ReplicaCount,
		logger,
	)

	seeds, err := seedNodes(cfg)
	if err != nil {
		n.pool.Close()
		return nil, err
	}
	for _, seed := range seeds {
		if _, err := routing.AddNode(seed); err != nil {
			n.pool.Close()
			return nil, fmt.Errorf("failed to add node %s: %w", seed.NodeID, err)
		}
	}

	coordinator, err := service.NewReplicationCoordinator(routing, cfg.ModelReplication(), service.BreakerConfig{
		ConsecutiveFailures: cfg.Replication.BreakerFailures,
		OpenTimeout:         cfg.Replication.BreakerOpenTimeout,
	}, recorder, logger)
	if err != nil {
		n.pool.Close()
		return nil, err
	}

	orch, err := service.NewCacheOrchestrator(orchCfg, coordinator, nil, recorder, logger)
	if err != nil {
		n.pool.Close()
		return nil, err
	}

	n.rebalance = service.NewRebalanceService(routing, service.RebalanceConfig{
		Workers:       cfg.Rebalance.Workers,
		KeysPerSecond: cfg.Rebalance.KeysPerSecond,
		ExcludePrefix: lockCfg.KeyPrefix,
		NodeTimeout:   cfg.Rebalance.NodeTimeout,
	}, recorder, logger)

	n.monitor = service.NewClusterHealthMonitor(routing, service.HealthConfig{
		Interval:        cfg.Health.Interval,
		ProbeTimeout:    cfg.Health.ProbeTimeout,
		DegradedLatency: cfg.Health.DegradedLatency,
		AutoRebalance:   cfg.Health.AutoRebalance,
	}, recorder, logger)
	n.monitor.SetRebalanceTrigger(n.rebalance.TriggerAsync)

	if cfg.Cluster.Gossip.Enabled {
		n.gossip, err = cluster.NewGossipDiscovery(&cluster.GossipConfig{
			Name:           cfg.Server.NodeID,
			BindAddr:       cfg.Cluster.Gossip.BindAddr,
			BindPort:       cfg.Cluster.Gossip.BindPort,
			SeedNodes:      cfg.Cluster.Gossip.Seeds,
			GossipInterval: cfg.Cluster.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Cluster.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Cluster.Gossip.ProbeInterval,
		}, localAdvertisement(cfg, seeds), routing, logger)
		if err != nil {
			_ = n.rebalance.Close()
			n.pool.Close()
			return nil, fmt.Errorf("failed to start gossip: %w", err)
		}
	}

	locks := service.NewDistributedLockManager(routing, lockCfg, recorder, logger)

	n.orchestrator = orch
	n.handlers = server.Handlers{
		Cache:   handler.NewCacheHandler(orch, requestTimeout, logger),
		Locks:   handler.NewLockHandler(locks, logger),
		Cluster: handler.NewClusterHandler(routing, n.monitor, n.rebalance, 0, logger),
		Health:  health.NewHealthCheck(n.monitor, logger),
	}
	return n, nil
}

// seedNodes merges the manifest and the static node list; the manifest wins
// on duplicate ids.
func seedNodes(cfg *config.Config) ([]*model.Node, error) {
	var nodes []*model.Node
	seen := make(map[string]bool)

	if cfg.Cluster.ManifestPath != "" {
		manifest, err := config.LoadManifest(cfg.Cluster.ManifestPath)
		if err != nil {
			return nil, err
		}
		for _, n := range manifest {
			seen[n.NodeID] = true
			nodes = append(nodes, n)
		}
	}
	for _, n := range config.StaticNodes(cfg.Cluster.Nodes) {
		if !seen[n.NodeID] {
			seen[n.NodeID] = true
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// localAdvertisement announces the cache node this process fronts: the
// manifest entry named after the node id, or the first seed.
func localAdvertisement(cfg *config.Config, seeds []*model.Node) cluster.NodeAdvertisement {
	for _, n := range seeds {
		if n.NodeID == cfg.Server.NodeID {
			return cluster.NodeAdvertisement{CacheNodeID: n.NodeID, Role: n.Role, ShardID: n.ShardID}
		}
	}
	if len(seeds) > 0 {
		return cluster.NodeAdvertisement{CacheNodeID: seeds[0].NodeID, Role: seeds[0].Role, ShardID: seeds[0].ShardID}
	}
	return cluster.NodeAdvertisement{CacheNodeID: cfg.Server.NodeID, Role: model.NodeRolePrimary}
}

func (n *node) start() {
	n.orchestrator.Start()
	if n.monitor != nil {
		n.monitor.Start()
	}
}

func (n *node) stop() {
	if n.gossip != nil {
		if err := n.gossip.Shutdown(5 * time.Second); err != nil {
			n.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
		}
	}
	if n.monitor != nil {
		n.monitor.Stop()
	}
	if n.rebalance != nil {
		if err := n.rebalance.Close(); err != nil {
			n.logger.Warn("Failed to stop rebalance workers", zap.Error(err))
		}
	}
	n.orchestrator.Close()
	if n.pool != nil {
		n.pool.Close()
	}
}

func startMetricsServer(cfg config.MetricsConfig, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	logger.Info("Metrics server started",
		zap.Int("port", cfg.Port),
		zap.String("path", cfg.Path))
	return srv
}

// initLogger builds the zap logger from the logging section.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
