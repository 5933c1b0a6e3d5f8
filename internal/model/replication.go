package model

import (
	"fmt"
	"time"
)

// SyncMode controls how many acknowledgements a write waits for
type SyncMode string

const (
	SyncModeSync  SyncMode = "sync"
	SyncModeAsync SyncMode = "async"
)

// ReadPreference orders the candidates of a failover read
type ReadPreference string

const (
	ReadPreferencePrimary ReadPreference = "primary"
	ReadPreferenceReplica ReadPreference = "replica"
	ReadPreferenceAny     ReadPreference = "any"
)

// MaxReplicaCount bounds the number of replicas per key
const MaxReplicaCount = 10

// ReplicationConfig configures the replication coordinator
type ReplicationConfig struct {
	ReplicaCount    int
	SyncMode        SyncMode
	Quorum          int
	FailoverTimeout time.Duration
	ReadPreference  ReadPreference
}

// DefaultReplicationConfig returns a primary plus two replicas with majority quorum
func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{
		ReplicaCount:    2,
		SyncMode:        SyncModeSync,
		Quorum:          2,
		FailoverTimeout: 5 * time.Second,
		ReadPreference:  ReadPreferencePrimary,
	}
}

// Validate checks the replication parameters
func (c ReplicationConfig) Validate() error {
	if c.ReplicaCount < 0 || c.ReplicaCount > MaxReplicaCount {
		return fmt.Errorf("replica_count must be between 0 and %d, got %d", MaxReplicaCount, c.ReplicaCount)
	}
	if c.Quorum < 1 {
		return fmt.Errorf("quorum must be at least 1, got %d", c.Quorum)
	}
	if c.Quorum > c.ReplicaCount+1 {
		return fmt.Errorf("quorum %d exceeds replica_count+1 (%d)", c.Quorum, c.ReplicaCount+1)
	}
	if c.FailoverTimeout <= 0 {
		return fmt.Errorf("failover_timeout must be positive")
	}
	switch c.SyncMode {
	case SyncModeSync, SyncModeAsync:
	default:
		return fmt.Errorf("unknown sync_mode %q", c.SyncMode)
	}
	switch c.ReadPreference {
	case ReadPreferencePrimary, ReadPreferenceReplica, ReadPreferenceAny:
	default:
		return fmt.Errorf("unknown read_preference %q", c.ReadPreference)
	}
	return nil
}

// RequiredAcks returns the acknowledgements a write must collect
func (c ReplicationConfig) RequiredAcks() int {
	if c.SyncMode == SyncModeAsync {
		return 1
	}
	return c.Quorum
}

// WriteResult is the outcome of a replicated write
type WriteResult struct {
	Success      bool
	Key          string
	Primary      string
	Replicas     []string
	Acks         int
	Required     int
	FailedNodes  []string
	ErrorMessage string
}

// ReadResult is the outcome of a failover read
type ReadResult struct {
	Key       string
	Value     []byte
	Metadata  map[string]string
	CreatedAt time.Time
	Found     bool
	ServedBy  string
	Attempts  int
}

// DeleteResult is the outcome of a fan-out delete
type DeleteResult struct {
	Key         string
	Acks        int
	FailedNodes []string
}
