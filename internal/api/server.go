// Package api serves the admin HTTP surface: health, Prometheus metrics,
// manual compaction and a JSON gateway to the store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	kvErr "github.com/sajjad-MoBe/kvs/internal/errors"
	"github.com/sajjad-MoBe/kvs/internal/shared"
	"github.com/sajjad-MoBe/kvs/internal/storage"
	"github.com/sajjad-MoBe/kvs/internal/telemetry"
)

// Store is the subset of storage.Store the gateway needs
type Store interface {
	storage.Engine
	Compact() error
	GetMetrics() *storage.StorageMetrics
}

// Options configures the HTTP server. Metrics and Tracer may be nil.
type Options struct {
	Logger  *shared.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Health  *HealthManager
}

// Server represents the HTTP API server
type Server struct {
	router *mux.Router
	store  Store
	logger *shared.Logger
	health *HealthManager
	http   *http.Server
}

// NewServer creates a new API server instance
func NewServer(store Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = shared.DefaultLogger
	}
	if opts.Health == nil {
		opts.Health = NewHealthManager()
		opts.Health.RegisterChecker("storage", NewStorageHealthChecker(store))
	}

	s := &Server{
		router: mux.NewRouter(),
		store:  store,
		logger: opts.Logger,
		health: opts.Health,
	}
	s.setupRoutes(opts)
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes(opts Options) {
	s.router.Use(RecoveryMiddleware(s.logger), LoggingMiddleware(s.logger))
	if opts.Metrics != nil {
		s.router.Use(opts.Metrics.MetricsMiddleware)
		s.router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	if opts.Tracer != nil {
		s.router.Use(opts.Tracer.TracingMiddleware)
	}

	// Key-value operations
	s.router.HandleFunc("/kv/{key}", s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc("/kv/{key}", s.handlePut).Methods(http.MethodPut)
	s.router.HandleFunc("/kv/{key}", s.handleDelete).Methods(http.MethodDelete)

	s.router.HandleFunc("/admin/compact", s.handleCompact).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.health.HealthCheckHandler).Methods(http.MethodGet)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves HTTP on listener until Shutdown
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("Admin HTTP listening on %s", listener.Addr())
	err := s.http.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleGet handles GET /kv/{key} requests
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	value, ok, err := s.store.Get(key)
	if err != nil {
		handleError(w, err)
		return
	}
	if !ok {
		handleError(w, kvErr.New(kvErr.ErrorTypeNotFound, "key not found: "+key, nil))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"key":   key,
		"value": value,
	})
}

// handlePut handles PUT /kv/{key} requests
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req struct {
		Value *string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, kvErr.New(kvErr.ErrorTypeInvalidInput, "invalid request body", err))
		return
	}
	if req.Value == nil {
		handleError(w, kvErr.New(kvErr.ErrorTypeInvalidInput, "value is required", nil))
		return
	}

	if err := s.store.Set(key, *req.Value); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleDelete handles DELETE /kv/{key} requests
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if err := s.store.Remove(key); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleCompact handles POST /admin/compact requests
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.store.Compact(); err != nil {
		handleError(w, err)
		return
	}

	metrics := s.store.GetMetrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":     metrics.TotalKeys,
		"duration": time.Since(start).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
