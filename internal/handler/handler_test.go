package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/cachemesh/internal/algorithm"
	"github.com/devrev/cachemesh/internal/cluster"
	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/model"
	"github.com/devrev/cachemesh/internal/service"
	"github.com/devrev/cachemesh/internal/store"
)

func newCacheRouter(t *testing.T, maxBytes int64) *mux.Router {
	t.Helper()

	orch, err := service.NewCacheOrchestrator(service.OrchestratorConfig{
		Mode:           service.ModeSingle,
		MaxMemoryBytes: maxBytes,
	}, nil, nil, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	h := NewCacheHandler(orch, time.Second, zap.NewNop())
	r := mux.NewRouter()
	r.HandleFunc("/v1/cache/{key}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/v1/cache/{key}", h.Put).Methods(http.MethodPut)
	r.HandleFunc("/v1/cache/{key}", h.Delete).Methods(http.MethodDelete)
	r.HandleFunc("/v1/stats", h.Stats).Methods(http.MethodGet)
	r.HandleFunc("/v1/eviction/enforce", h.EnforceEviction).Methods(http.MethodPost)
	return r
}

func do(r http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCacheHandler_PutGetDelete(t *testing.T) {
	r := newCacheRouter(t, 0)

	header := http.Header{}
	header.Set("X-Cache-Meta-Model", "gpt-small")
	rec := do(r, http.MethodPut, "/v1/cache/greeting?ttl=60", "hello world", header)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(r, http.MethodGet, "/v1/cache/greeting", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, service.MatchExact, rec.Header().Get(HeaderMatchType))
	assert.Equal(t, service.SourceLocal, rec.Header().Get(HeaderSource))
	assert.Equal(t, "gpt-small", rec.Header().Get("X-Cache-Meta-Model"))

	rec = do(r, http.MethodDelete, "/v1/cache/greeting", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(r, http.MethodGet, "/v1/cache/greeting", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "KEY_NOT_FOUND", decodeError(t, rec).ErrorCode)
}

func TestCacheHandler_InvalidQuery(t *testing.T) {
	r := newCacheRouter(t, 0)

	tests := []struct {
		name   string
		method string
		target string
	}{
		{"threshold not a number", http.MethodGet, "/v1/cache/k?threshold=abc"},
		{"threshold above one", http.MethodGet, "/v1/cache/k?threshold=1.5"},
		{"negative ttl", http.MethodPut, "/v1/cache/k?ttl=-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(r, tt.method, tt.target, "v", nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_ARGUMENT", decodeError(t, rec).ErrorCode)
		})
	}
}

func TestCacheHandler_OversizedEntry(t *testing.T) {
	r := newCacheRouter(t, 1024)

	rec := do(r, http.MethodPut, "/v1/cache/big", strings.Repeat("x", 4096), nil)
	require.Equal(t, http.StatusInsufficientStorage, rec.Code)
	assert.Equal(t, "EVICTION_EXHAUSTED", decodeError(t, rec).ErrorCode)
}

func TestCacheHandler_StatsAndEnforce(t *testing.T) {
	r := newCacheRouter(t, 0)
	for _, key := range []string{"a", "b", "c", "d"} {
		require.Equal(t, http.StatusCreated, do(r, http.MethodPut, "/v1/cache/"+key, "v", nil).Code)
	}
	do(r, http.MethodGet, "/v1/cache/a", "", nil)

	rec := do(r, http.MethodPost, "/v1/eviction/enforce", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var enforced struct {
		Evicted int `json:"evicted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enforced))
	assert.Equal(t, 1, enforced.Evicted)

	rec = do(r, http.MethodGet, "/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats service.OrchestratorStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, service.ModeSingle, stats.Mode)
	assert.Equal(t, 3, stats.Local.EntryCount)
	assert.Equal(t, int64(1), stats.Lookups.ExactHits)
}

func newLockRouter(t *testing.T) *mux.Router {
	t.Helper()

	cfg := service.DefaultLockConfig()
	cfg.AcquireTimeout = 100 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	locks := service.NewDistributedLockManager(
		service.StaticLockBackend{Backend: store.NewMemoryBackend(), NodeID: "local"},
		cfg, nil, zap.NewNop())

	h := NewLockHandler(locks, zap.NewNop())
	r := mux.NewRouter()
	r.HandleFunc("/v1/locks/{key}", h.Acquire).Methods(http.MethodPost)
	r.HandleFunc("/v1/locks/{key}", h.Release).Methods(http.MethodDelete)
	r.HandleFunc("/v1/locks/{key}", h.Extend).Methods(http.MethodPut)
	return r
}

func TestLockHandler_Lifecycle(t *testing.T) {
	r := newLockRouter(t)

	rec := do(r, http.MethodPost, "/v1/locks/orders?ttl=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lock model.Lock
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lock))
	assert.Equal(t, "orders", lock.Key)
	assert.Equal(t, "local", lock.NodeID)
	assert.Equal(t, lock.HolderID, rec.Header().Get(HeaderLockHolder))

	rec = do(r, http.MethodPost, "/v1/locks/orders", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "LOCK_TIMEOUT", decodeError(t, rec).ErrorCode)

	rec = do(r, http.MethodPost, "/v1/locks/orders?blocking=true", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	holder := http.Header{}
	holder.Set(HeaderLockHolder, lock.HolderID)
	rec = do(r, http.MethodPut, "/v1/locks/orders?ttl=10", "", holder)
	assert.Equal(t, http.StatusOK, rec.Code)

	stranger := http.Header{}
	stranger.Set(HeaderLockHolder, "someone-else")
	rec = do(r, http.MethodDelete, "/v1/locks/orders", "", stranger)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "LOCK_NOT_HELD", decodeError(t, rec).ErrorCode)

	rec = do(r, http.MethodDelete, "/v1/locks/orders", "", holder)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(r, http.MethodPost, "/v1/locks/orders", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLockHandler_BadRequests(t *testing.T) {
	r := newLockRouter(t)

	rec := do(r, http.MethodDelete, "/v1/locks/orders", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodPost, "/v1/locks/orders?blocking=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type clusterFixture struct {
	router  *mux.Router
	pool    *store.BackendPool
	routing *service.RoutingService
}

func newClusterRouter(t *testing.T, nodeIDs ...string) *clusterFixture {
	t.Helper()

	logger := zap.NewNop()
	pool := store.NewBackendPool(nil, logger)
	t.Cleanup(pool.Close)
	routing := service.NewRoutingService(
		algorithm.NewConsistentHashRing(algorithm.DefaultVirtualNodes),
		cluster.NewMembership(logger),
		pool, 1, logger)
	for _, id := range nodeIDs {
		pool.Register(id, store.NewMemoryBackend())
		_, err := routing.AddNode(&model.Node{NodeID: id})
		require.NoError(t, err)
	}

	monitor := service.NewClusterHealthMonitor(routing, service.DefaultHealthConfig(), nil, logger)
	rebalance := service.NewRebalanceService(routing, service.DefaultRebalanceConfig(), nil, logger)
	t.Cleanup(func() { _ = rebalance.Close() })

	h := NewClusterHandler(routing, monitor, rebalance, 5*time.Second, logger)
	r := mux.NewRouter()
	r.HandleFunc("/v1/cluster/nodes", h.ListNodes).Methods(http.MethodGet)
	r.HandleFunc("/v1/cluster/nodes", h.AddNode).Methods(http.MethodPost)
	r.HandleFunc("/v1/cluster/nodes/{node_id}", h.RemoveNode).Methods(http.MethodDelete)
	r.HandleFunc("/v1/cluster/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/v1/cluster/rebalance", h.Rebalance).Methods(http.MethodPost)
	r.HandleFunc("/v1/cluster/rebalance", h.LastRebalance).Methods(http.MethodGet)
	return &clusterFixture{router: r, pool: pool, routing: routing}
}

func TestClusterHandler_Nodes(t *testing.T) {
	f := newClusterRouter(t, "node-1", "node-2")

	rec := do(f.router, http.MethodGet, "/v1/cluster/nodes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Nodes     []*model.Node `json:"nodes"`
		RingNodes []string      `json:"ring_nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Nodes, 2)
	assert.ElementsMatch(t, []string{"node-1", "node-2"}, listed.RingNodes)

	rec = do(f.router, http.MethodPost, "/v1/cluster/nodes", `{"node_id":"node-3","role":"replica","shard_id":2}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var added model.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	assert.Equal(t, model.NodeRoleReplica, added.Role)
	assert.Equal(t, 2, added.ShardID)
	assert.True(t, f.routing.Ring().HasNode("node-3"))

	rec = do(f.router, http.MethodPost, "/v1/cluster/nodes", `{"node_id":"node-3","role":"replica"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(f.router, http.MethodPost, "/v1/cluster/nodes", `{"node_id":"node-9","role":"leader"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(f.router, http.MethodPost, "/v1/cluster/nodes", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(f.router, http.MethodDelete, "/v1/cluster/nodes/node-3", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, f.routing.Ring().HasNode("node-3"))

	rec = do(f.router, http.MethodDelete, "/v1/cluster/nodes/node-3", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClusterHandler_Health(t *testing.T) {
	f := newClusterRouter(t, "node-1", "node-2", "node-3")

	rec := do(f.router, http.MethodGet, "/v1/cluster/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health model.ClusterHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, model.ClusterStatusHealthy, health.Status)
	assert.Equal(t, 3, health.TotalNodes)
	assert.Equal(t, 3, health.HealthyNodes)
	assert.False(t, health.CheckedAt.IsZero())
}

func TestClusterHandler_Rebalance(t *testing.T) {
	f := newClusterRouter(t, "node-1", "node-2")

	rec := do(f.router, http.MethodGet, "/v1/cluster/rebalance", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.pool.Register("node-3", store.NewMemoryBackend())
	rec = do(f.router, http.MethodPost, "/v1/cluster/nodes", `{"node_id":"node-3"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(f.router, http.MethodPost, "/v1/cluster/rebalance?reason=scale_out", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report model.RebalanceReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "scale_out", report.Reason)
	assert.Equal(t, model.RebalanceStatusCompleted, report.Status)
	assert.Greater(t, report.AffectedRanges, 0)

	rec = do(f.router, http.MethodGet, "/v1/cluster/rebalance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var last model.RebalanceReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &last))
	assert.Equal(t, report.RebalanceID, last.RebalanceID)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid argument", cacheerrors.InvalidArgument("bad", nil), http.StatusBadRequest},
		{"not found", cacheerrors.KeyNotFound("k"), http.StatusNotFound},
		{"lock timeout", cacheerrors.LockTimeout("k", time.Second, nil), http.StatusConflict},
		{"lock wait cut by deadline", cacheerrors.LockTimeout("k", time.Second, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"lock not held", cacheerrors.LockNotHeld("k", "h"), http.StatusConflict},
		{"rebalance running", cacheerrors.RebalanceInProgress("r"), http.StatusConflict},
		{"eviction exhausted", cacheerrors.EvictionExhausted(10, 5), http.StatusInsufficientStorage},
		{"quorum", cacheerrors.QuorumNotMet("k", 1, 2), http.StatusServiceUnavailable},
		{"unreachable", cacheerrors.NodeUnreachable("n", nil), http.StatusServiceUnavailable},
		{"ring empty", cacheerrors.RingEmpty(), http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
