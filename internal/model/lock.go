package model

import "time"

// Lock is a held distributed lock
type Lock struct {
	Key        string    `json:"key"`
	HolderID   string    `json:"holder_id"`
	NodeID     string    `json:"node_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the lock lease has run out at now
func (l *Lock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LockStats counts lock manager outcomes
type LockStats struct {
	Acquired      int64 `json:"acquired"`
	Contended     int64 `json:"contended"`
	TimedOut      int64 `json:"timed_out"`
	Released      int64 `json:"released"`
	ReleaseMissed int64 `json:"release_missed"`
	Extended      int64 `json:"extended"`
}
