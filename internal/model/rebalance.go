package model

import "time"

// TokenRange is a ring segment (Start, End]; Start >= End denotes the wrapping segment
type TokenRange struct {
	Start     uint64   `json:"start"`
	End       uint64   `json:"end"`
	OldOwners []string `json:"old_owners"`
	NewOwners []string `json:"new_owners"`
}

// Contains reports whether hash falls in the range
func (r TokenRange) Contains(hash uint64) bool {
	if r.Start < r.End {
		return hash > r.Start && hash <= r.End
	}
	return hash > r.Start || hash <= r.End
}

// RebalanceStatus is the lifecycle state of a rebalance run
type RebalanceStatus string

const (
	RebalanceStatusInProgress RebalanceStatus = "in_progress"
	RebalanceStatusCompleted  RebalanceStatus = "completed"
	RebalanceStatusFailed     RebalanceStatus = "failed"
)

// RebalanceProgress counts keys handled by a run
type RebalanceProgress struct {
	KeysScanned  int64   `json:"keys_scanned"`
	KeysMigrated int64   `json:"keys_migrated"`
	KeysDeleted  int64   `json:"keys_deleted"`
	KeysFailed   int64   `json:"keys_failed"`
	TotalKeys    int64   `json:"total_keys"`
	Percentage   float64 `json:"percentage"`
}

// RebalanceReport describes one RebalanceShards run
type RebalanceReport struct {
	RebalanceID    string            `json:"rebalance_id"`
	Reason         string            `json:"reason"`
	Status         RebalanceStatus   `json:"status"`
	AffectedRanges int               `json:"affected_ranges"`
	Progress       RebalanceProgress `json:"progress"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
}
