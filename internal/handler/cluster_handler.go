package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/model"
	"github.com/devrev/cachemesh/internal/service"
)

// ClusterHandler serves membership, health and rebalance administration.
type ClusterHandler struct {
	routing   *service.RoutingService
	monitor   *service.ClusterHealthMonitor
	rebalance *service.RebalanceService
	timeout   time.Duration
	logger    *zap.Logger
}

// NewClusterHandler creates a ClusterHandler
func NewClusterHandler(
	routing *service.RoutingService,
	monitor *service.ClusterHealthMonitor,
	rebalance *service.RebalanceService,
	timeout time.Duration,
	logger *zap.Logger,
) *ClusterHandler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ClusterHandler{
		routing:   routing,
		monitor:   monitor,
		rebalance: rebalance,
		timeout:   timeout,
		logger:    logger,
	}
}

// AddNodeRequest is the body of POST /v1/cluster/nodes
type AddNodeRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	Role    string `json:"role"`
	ShardID int    `json:"shard_id"`
}

// ListNodes handles GET /v1/cluster/nodes.
func (h *ClusterHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.routing.Membership().List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes":      nodes,
		"ring_nodes": h.routing.Ring().Nodes(),
	})
}

// AddNode handles POST /v1/cluster/nodes.
func (h *ClusterHandler) AddNode(w http.ResponseWriter, r *http.Request) {
	var req AddNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, cacheerrors.InvalidArgument("invalid request body", err), h.logger)
		return
	}

	added, err := h.routing.AddNode(&model.Node{
		NodeID:  req.NodeID,
		Address: req.Address,
		Role:    model.NodeRole(req.Role),
		ShardID: req.ShardID,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	node, _ := h.routing.Membership().Get(req.NodeID)
	writeJSON(w, status, node)
}

// RemoveNode handles DELETE /v1/cluster/nodes/{node_id}.
func (h *ClusterHandler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	if !h.routing.RemoveNode(nodeID) {
		WriteError(w, r, cacheerrors.NewCacheError(cacheerrors.ErrCodeKeyNotFound, "node "+nodeID+" is not registered", nil), h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /v1/cluster/health. A refresh=true query probes now.
func (h *ClusterHandler) Health(w http.ResponseWriter, r *http.Request) {
	var health model.ClusterHealth
	if r.URL.Query().Get("refresh") == "true" || h.monitor.ClusterHealth().CheckedAt.IsZero() {
		ctx, cancel := withTimeout(r, h.timeout)
		defer cancel()
		health = h.monitor.CheckNow(ctx)
	} else {
		health = h.monitor.ClusterHealth()
	}
	writeJSON(w, http.StatusOK, health)
}

// Rebalance handles POST /v1/cluster/rebalance and returns the run's report.
func (h *ClusterHandler) Rebalance(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}

	ctx, cancel := withTimeout(r, h.timeout)
	defer cancel()

	report, err := h.rebalance.RebalanceShards(ctx, reason)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// LastRebalance handles GET /v1/cluster/rebalance.
func (h *ClusterHandler) LastRebalance(w http.ResponseWriter, r *http.Request) {
	report := h.rebalance.LastReport()
	if report == nil {
		WriteError(w, r, cacheerrors.NewCacheError(cacheerrors.ErrCodeKeyNotFound, "no rebalance has run", nil), h.logger)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func withTimeout(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), timeout)
}
