// Package health provides health check endpoints for the state engine.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/metrics"
)

// Pinger reports whether one backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthCheck manages health check functionality.
type HealthCheck struct {
	deps          map[string]Pinger
	metrics       *metrics.Metrics
	logger        *zap.Logger
	mu            sync.RWMutex
	ready         bool
	lastCheck     time.Time
	checkInterval time.Duration
	stopCh        chan struct{}
}

// NewHealthCheck creates a new HealthCheck instance and starts its
// background dependency checks. deps maps a check name to the dependency
// it pings.
func NewHealthCheck(deps map[string]Pinger, m *metrics.Metrics, logger *zap.Logger) *HealthCheck {
	hc := &HealthCheck{
		deps:          deps,
		metrics:       m,
		logger:        logger,
		ready:         false,
		checkInterval: 5 * time.Second,
		stopCh:        make(chan struct{}),
	}

	go hc.backgroundCheck()

	return hc
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status: "healthy",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler handles GET /ready requests.
// Returns 200 OK if both backing stores answer pings.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hc.mu.RLock()
	isReady := hc.ready
	hc.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")

	if isReady {
		resp := ReadinessResponse{
			Status: "ready",
			Checks: hc.healthyChecks(),
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
		return
	}

	// Perform a fresh check if not ready
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, err := hc.checkAll(ctx)
	if err != nil {
		resp := ReadinessResponse{
			Status: "not_ready",
			Checks: checks,
			Error:  err.Error(),
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(resp)
		return
	}

	hc.setReady(true)

	resp := ReadinessResponse{
		Status: "ready",
		Checks: checks,
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// backgroundCheck performs periodic dependency checks.
func (hc *HealthCheck) backgroundCheck() {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hc.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := hc.checkAll(ctx)
			cancel()

			if err != nil {
				hc.logger.Warn("health check failed", zap.Error(err))
				hc.setReady(false)
			} else {
				hc.setReady(true)
			}
		}
	}
}

// checkAll pings every dependency and reports per-check status.
func (hc *HealthCheck) checkAll(ctx context.Context) (map[string]string, error) {
	checks := make(map[string]string, len(hc.deps))
	var firstErr error
	for name, dep := range hc.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = "unhealthy"
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
			continue
		}
		checks[name] = "healthy"
	}
	return checks, firstErr
}

func (hc *HealthCheck) healthyChecks() map[string]string {
	checks := make(map[string]string, len(hc.deps))
	for name := range hc.deps {
		checks[name] = "healthy"
	}
	return checks
}

func (hc *HealthCheck) setReady(ready bool) {
	hc.mu.Lock()
	hc.ready = ready
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	if hc.metrics != nil {
		hc.metrics.SetHealthStatus(ready)
	}
}

// Stop halts the background checks.
func (hc *HealthCheck) Stop() {
	close(hc.stopCh)
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// SetReady sets the readiness status (for testing).
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}
