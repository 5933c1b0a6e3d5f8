// Package health provides liveness and readiness endpoints for a cachemesh node.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/cachemesh/internal/model"
)

// ClusterHealthSource reports the result of the last health monitoring pass
type ClusterHealthSource interface {
	ClusterHealth() model.ClusterHealth
}

// HealthCheck serves /health/live and /health/ready.
type HealthCheck struct {
	source  ClusterHealthSource
	started time.Time
	logger  *zap.Logger
}

// NewHealthCheck creates a HealthCheck. A nil source means single mode, where
// the node is ready as soon as it serves.
func NewHealthCheck(source ClusterHealthSource, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		source:  source,
		started: time.Now(),
		logger:  logger,
	}
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health/live.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(hc.started).Seconds(),
	})
}

// ReadinessHandler handles GET /health/ready.
// In cluster mode the node is not ready until the first monitoring pass has
// completed, and stops being ready while the cluster is critical.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if hc.source == nil {
		writeJSON(w, http.StatusOK, ReadinessResponse{
			Status: "ready",
			Checks: map[string]string{"mode": "single"},
		})
		return
	}

	health := hc.source.ClusterHealth()
	checks := map[string]string{"cluster": string(health.Status)}

	switch {
	case health.CheckedAt.IsZero():
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{
			Status: "not_ready",
			Error:  "cluster health not yet checked",
		})
	case health.Status == model.ClusterStatusCritical:
		hc.logger.Warn("Readiness check failed", zap.String("cluster_status", string(health.Status)))
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{
			Status: "not_ready",
			Checks: checks,
			Error:  "cluster is critical",
		})
	default:
		writeJSON(w, http.StatusOK, ReadinessResponse{
			Status: "ready",
			Checks: checks,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
