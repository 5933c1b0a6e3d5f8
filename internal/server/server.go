// Package server provides the HTTP server for a cachemesh node.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/cachemesh/internal/config"
	"github.com/devrev/cachemesh/internal/handler"
	"github.com/devrev/cachemesh/internal/health"
	"github.com/devrev/cachemesh/internal/metrics"
	"github.com/devrev/cachemesh/internal/middleware"
)

// Handlers groups the request handlers served by the node. Cluster is nil in
// single mode, which leaves the cluster admin routes unregistered.
type Handlers struct {
	Cache   *handler.CacheHandler
	Locks   *handler.LockHandler
	Cluster *handler.ClusterHandler
	Health  *health.HealthCheck
}

// Server represents the HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	handlers   Handlers
	recorder   metrics.Recorder
	logger     *zap.Logger
	cfg        *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, handlers Handlers, recorder metrics.Recorder, logger *zap.Logger) *Server {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		router:     router,
		httpServer: httpServer,
		handlers:   handlers,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.recorder),
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.Burst,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}
	if s.cfg.Server.RequestTimeout > 0 {
		middlewareChain = append(middlewareChain, middleware.Timeout(s.cfg.Server.RequestTimeout))
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.HandleFunc("/health/live", s.handlers.Health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.handlers.Health.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Cache operations
	v1.HandleFunc("/cache/{key}", s.handlers.Cache.Get).Methods(http.MethodGet)
	v1.HandleFunc("/cache/{key}", s.handlers.Cache.Put).Methods(http.MethodPut)
	v1.HandleFunc("/cache/{key}", s.handlers.Cache.Delete).Methods(http.MethodDelete)
	v1.HandleFunc("/stats", s.handlers.Cache.Stats).Methods(http.MethodGet)
	v1.HandleFunc("/eviction/enforce", s.handlers.Cache.EnforceEviction).Methods(http.MethodPost)

	// Distributed locks
	v1.HandleFunc("/locks/{key}", s.handlers.Locks.Acquire).Methods(http.MethodPost)
	v1.HandleFunc("/locks/{key}", s.handlers.Locks.Extend).Methods(http.MethodPut)
	v1.HandleFunc("/locks/{key}", s.handlers.Locks.Release).Methods(http.MethodDelete)

	if s.handlers.Cluster != nil {
		clusterRoutes := v1.PathPrefix("/cluster").Subrouter()
		clusterRoutes.HandleFunc("/nodes", s.handlers.Cluster.ListNodes).Methods(http.MethodGet)
		clusterRoutes.HandleFunc("/nodes", s.handlers.Cluster.AddNode).Methods(http.MethodPost)
		clusterRoutes.HandleFunc("/nodes/{node_id}", s.handlers.Cluster.RemoveNode).Methods(http.MethodDelete)
		clusterRoutes.HandleFunc("/health", s.handlers.Cluster.Health).Methods(http.MethodGet)
		clusterRoutes.HandleFunc("/rebalance", s.handlers.Cluster.Rebalance).Methods(http.MethodPost)
		clusterRoutes.HandleFunc("/rebalance", s.handlers.Cluster.LastRebalance).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, r, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"status":"error","error_code":%q,"message":%q,"request_id":%q}`,
		code, message, r.Header.Get(middleware.RequestIDHeader))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}
