package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sajjad-MoBe/kvs/internal/storage"
)

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Details   any       `json:"details,omitempty"`
}

// OK reports whether the component is healthy
func (s HealthStatus) OK() bool {
	return s.Status == "ok"
}

// HealthChecker defines the interface for health checks
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// HealthManager manages health checks
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	status   map[string]HealthStatus
}

// NewHealthManager creates a new health manager
func NewHealthManager() *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		status:   make(map[string]HealthStatus),
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// RunHealthChecks runs all registered health checks and reports whether
// every one of them passed.
func (hm *HealthManager) RunHealthChecks(ctx context.Context) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	healthy := true
	for name, checker := range hm.checkers {
		status := checker.Check(ctx)
		hm.status[name] = status
		if !status.OK() {
			healthy = false
		}
	}
	return healthy
}

// GetStatus returns the current health status
func (hm *HealthManager) GetStatus() map[string]HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]HealthStatus)
	for k, v := range hm.status {
		status[k] = v
	}
	return status
}

// StorageHealthChecker checks that the store answers reads
type StorageHealthChecker struct {
	store Store
}

// NewStorageHealthChecker creates a new storage health checker
func NewStorageHealthChecker(store Store) *StorageHealthChecker {
	return &StorageHealthChecker{store: store}
}

// healthProbeKey is read on every check; it never needs to exist.
const healthProbeKey = "__health_check__"

// Check implements HealthChecker
func (c *StorageHealthChecker) Check(ctx context.Context) HealthStatus {
	start := time.Now()
	_, _, err := c.store.Get(healthProbeKey)
	duration := time.Since(start)

	if err != nil {
		return HealthStatus{
			Status:    "error",
			Message:   "Storage health check failed",
			Timestamp: time.Now(),
			Details: map[string]interface{}{
				"error":    err.Error(),
				"duration": duration.String(),
			},
		}
	}

	metrics := c.store.GetMetrics()
	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"duration":          duration.String(),
			"keys":              metrics.TotalKeys,
			"uncompacted_bytes": metrics.Uncompacted,
			"compactions":       metrics.CompactionCount,
		},
	}
}

// HealthCheckHandler handles health check requests
func (hm *HealthManager) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	healthy := hm.RunHealthChecks(r.Context())

	overallStatus := "ok"
	if !healthy {
		overallStatus = "error"
	}

	response := map[string]interface{}{
		"status":     overallStatus,
		"timestamp":  time.Now(),
		"components": hm.GetStatus(),
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

var _ Store = (*storage.Store)(nil)
