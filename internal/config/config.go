package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/cachemesh/internal/model"
)

// Config represents the cachemesh node configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Replication ReplicationConfig `mapstructure:"replication"`
	HashRing    HashRingConfig    `mapstructure:"hash_ring"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Lock        LockConfig        `mapstructure:"lock"`
	Health      HealthConfig      `mapstructure:"health"`
	Rebalance   RebalanceConfig   `mapstructure:"rebalance"`
	Similarity  SimilarityConfig  `mapstructure:"similarity"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds the context of every API request; zero disables it
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CacheConfig represents local store configuration
type CacheConfig struct {
	Mode           string        `mapstructure:"mode"`
	MaxMemoryMB    int           `mapstructure:"max_memory_mb"`
	EvictionPolicy string        `mapstructure:"eviction_policy"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	NearCache      bool          `mapstructure:"near_cache"`
	NearCacheTTL   time.Duration `mapstructure:"near_cache_ttl"`
}

// ReplicationConfig represents replication configuration
type ReplicationConfig struct {
	ReplicaCount           int           `mapstructure:"replica_count"`
	Quorum                 int           `mapstructure:"quorum"`
	SyncMode               string        `mapstructure:"sync_mode"`
	FailoverTimeoutSeconds float64       `mapstructure:"failover_timeout_seconds"`
	ReadPreference         string        `mapstructure:"read_preference"`
	BreakerFailures        uint32        `mapstructure:"breaker_failures"`
	BreakerOpenTimeout     time.Duration `mapstructure:"breaker_open_timeout"`
}

// HashRingConfig represents consistent hashing configuration
type HashRingConfig struct {
	VirtualNodes int `mapstructure:"virtual_nodes"`
}

// ClusterConfig lists the static cluster members and discovery settings
type ClusterConfig struct {
	Nodes        []string     `mapstructure:"nodes"`
	ManifestPath string       `mapstructure:"manifest_path"`
	Gossip       GossipConfig `mapstructure:"gossip"`
}

// GossipConfig represents memberlist configuration
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BindAddr       string        `mapstructure:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port"`
	Seeds          []string      `mapstructure:"seeds"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

// RedisConfig represents backend connection configuration shared by all nodes
type RedisConfig struct {
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LockConfig represents distributed lock configuration
type LockConfig struct {
	KeyPrefix      string        `mapstructure:"key_prefix"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	PollIntervalMs int           `mapstructure:"poll_interval_ms"`
}

// HealthConfig represents health monitor configuration
type HealthConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	DegradedLatency time.Duration `mapstructure:"degraded_latency"`
	AutoRebalance   bool          `mapstructure:"auto_rebalance"`
}

// RebalanceConfig represents key migration configuration
type RebalanceConfig struct {
	Workers       int           `mapstructure:"workers"`
	KeysPerSecond float64       `mapstructure:"keys_per_second"`
	NodeTimeout   time.Duration `mapstructure:"node_timeout"`
}

// SimilarityConfig represents fuzzy lookup configuration
type SimilarityConfig struct {
	Threshold float64 `mapstructure:"threshold"`
	TopK      int     `mapstructure:"top_k"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimiterConfig represents API rate limiting
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Server.RequestTimeout < 0 {
		return errors.New("server.request_timeout must not be negative")
	}
	switch c.Cache.Mode {
	case "single", "cluster":
	default:
		return fmt.Errorf("cache.mode must be one of: single, cluster (got %q)", c.Cache.Mode)
	}
	if c.Cache.MaxMemoryMB < 0 {
		return errors.New("cache.max_memory_mb must not be negative")
	}
	switch c.Cache.EvictionPolicy {
	case "lru", "lfu", "ttl", "random":
	default:
		return fmt.Errorf("cache.eviction_policy must be one of: lru, lfu, ttl, random (got %q)", c.Cache.EvictionPolicy)
	}
	if err := c.ModelReplication().Validate(); err != nil {
		return fmt.Errorf("replication: %w", err)
	}
	if c.HashRing.VirtualNodes <= 0 {
		return errors.New("hash_ring.virtual_nodes must be positive")
	}
	if c.Cache.Mode == "cluster" && len(c.Cluster.Nodes) == 0 && c.Cluster.ManifestPath == "" && !c.Cluster.Gossip.Enabled {
		return errors.New("cluster mode needs cluster.nodes, cluster.manifest_path or cluster.gossip.enabled")
	}
	if c.Lock.PollIntervalMs <= 0 {
		return errors.New("lock.poll_interval_ms must be positive")
	}
	if c.Similarity.Threshold < 0 || c.Similarity.Threshold > 1 {
		return errors.New("similarity.threshold must be between 0 and 1")
	}
	if c.RateLimiter.Enabled && c.RateLimiter.RequestsPerSecond <= 0 {
		return errors.New("rate_limiter.requests_per_second must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// ModelReplication converts the replication section to the coordinator's config
func (c *Config) ModelReplication() model.ReplicationConfig {
	return model.ReplicationConfig{
		ReplicaCount:    c.Replication.ReplicaCount,
		SyncMode:        model.SyncMode(c.Replication.SyncMode),
		Quorum:          c.Replication.Quorum,
		FailoverTimeout: time.Duration(c.Replication.FailoverTimeoutSeconds * float64(time.Second)),
		ReadPreference:  model.ReadPreference(c.Replication.ReadPreference),
	}
}

// MaxMemoryBytes returns the local store budget; zero means unbounded
func (c *Config) MaxMemoryBytes() int64 {
	return int64(c.Cache.MaxMemoryMB) << 20
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			NodeID:          "cachemesh-1",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  5 * time.Second,
		},
		Cache: CacheConfig{
			Mode:           "single",
			MaxMemoryMB:    256,
			EvictionPolicy: "lru",
			SweepInterval:  time.Minute,
			NearCacheTTL:   time.Minute,
		},
		Replication: ReplicationConfig{
			ReplicaCount:           2,
			Quorum:                 2,
			SyncMode:               "sync",
			FailoverTimeoutSeconds: 5,
			ReadPreference:         "primary",
			BreakerFailures:        5,
			BreakerOpenTimeout:     10 * time.Second,
		},
		HashRing: HashRingConfig{
			VirtualNodes: 100,
		},
		Cluster: ClusterConfig{
			Gossip: GossipConfig{
				BindAddr:       "0.0.0.0",
				BindPort:       7946,
				GossipInterval: 200 * time.Millisecond,
				ProbeInterval:  time.Second,
				ProbeTimeout:   500 * time.Millisecond,
			},
		},
		Redis: RedisConfig{
			PoolSize:     100,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Lock: LockConfig{
			KeyPrefix:      "lock:",
			DefaultTTL:     30 * time.Second,
			AcquireTimeout: 10 * time.Second,
			PollIntervalMs: 100,
		},
		Health: HealthConfig{
			Interval:        5 * time.Second,
			ProbeTimeout:    2 * time.Second,
			DegradedLatency: 100 * time.Millisecond,
			AutoRebalance:   true,
		},
		Rebalance: RebalanceConfig{
			Workers:     8,
			NodeTimeout: 5 * time.Second,
		},
		Similarity: SimilarityConfig{
			TopK: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           false,
			RequestsPerSecond: 1000,
			Burst:             2000,
		},
	}
}
