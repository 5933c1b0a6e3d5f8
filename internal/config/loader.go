package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables. The file is
// optional; environment variables take precedence over it.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Server configuration
	if nodeID := os.Getenv("CACHEMESH_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if timeout := os.Getenv("SERVER_REQUEST_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Server.RequestTimeout = d
		}
	}

	// Cache configuration
	if mode := os.Getenv("CACHE_MODE"); mode != "" {
		cfg.Cache.Mode = mode
	}
	if mb := os.Getenv("CACHE_MAX_MEMORY_MB"); mb != "" {
		if v, err := strconv.Atoi(mb); err == nil {
			cfg.Cache.MaxMemoryMB = v
		}
	}
	if policy := os.Getenv("CACHE_EVICTION_POLICY"); policy != "" {
		cfg.Cache.EvictionPolicy = strings.ToLower(policy)
	}

	// Replication configuration
	if replicas := os.Getenv("REPLICATION_REPLICA_COUNT"); replicas != "" {
		if v, err := strconv.Atoi(replicas); err == nil {
			cfg.Replication.ReplicaCount = v
		}
	}
	if quorum := os.Getenv("REPLICATION_QUORUM"); quorum != "" {
		if v, err := strconv.Atoi(quorum); err == nil {
			cfg.Replication.Quorum = v
		}
	}

	// Cluster configuration
	if nodes := os.Getenv("CLUSTER_NODES"); nodes != "" {
		cfg.Cluster.Nodes = splitList(nodes)
	}
	if seeds := os.Getenv("GOSSIP_SEEDS"); seeds != "" {
		cfg.Cluster.Gossip.Seeds = splitList(seeds)
		cfg.Cluster.Gossip.Enabled = true
	}

	// Redis configuration
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// Metrics configuration
	if port := os.Getenv("METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Metrics.Port = p
		}
	}

	// Logging configuration
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
