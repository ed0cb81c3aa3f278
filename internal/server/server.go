// Package server provides the HTTP server implementation for the state engine.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/config"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/handler"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/health"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/metrics"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/middleware"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/service"
)

// statePath is the identity tuple route for one state object.
const statePath = "/states/{tenant}/{environment}/{workspace}/{name}"

// Server represents the HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	states      *handler.StateHandler
	backups     *handler.BackupHandler
	audit       *handler.AuditHandler
	healthCheck *health.HealthCheck
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, coordinator *service.CoordinatorService, healthCheck *health.HealthCheck, m *metrics.Metrics, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		router:      router,
		httpServer:  httpServer,
		states:      handler.NewStateHandler(coordinator, cfg.Storage.MaxPayloadBytes, logger),
		backups:     handler.NewBackupHandler(coordinator, logger),
		audit:       handler.NewAuditHandler(coordinator, logger),
		healthCheck: healthCheck,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	// Setup middleware chain
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	}
	if s.metrics != nil {
		middlewareChain = append(middlewareChain, metrics.MetricsMiddleware(s.metrics))
	}
	if s.cfg.Server.RequestTimeout > 0 {
		middlewareChain = append(middlewareChain, middleware.Timeout(s.cfg.Server.RequestTimeout))
	}

	// Apply middleware to router
	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	// API v1 routes
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// State objects
	v1.HandleFunc("/states", s.states.ListStates).Methods(http.MethodGet)
	v1.HandleFunc(statePath, s.states.ReadState).Methods(http.MethodGet)
	v1.HandleFunc(statePath, s.states.WriteState).Methods(http.MethodPut)
	v1.HandleFunc(statePath, s.states.DeleteState).Methods(http.MethodDelete)
	v1.HandleFunc(statePath+"/object", s.states.GetObject).Methods(http.MethodGet)
	v1.HandleFunc(statePath+"/versions", s.states.ListVersions).Methods(http.MethodGet)
	v1.HandleFunc(statePath+"/versions/{version:[0-9]+}", s.states.ReadVersion).Methods(http.MethodGet)
	v1.HandleFunc(statePath+"/rollback", s.states.Rollback).Methods(http.MethodPost)
	v1.HandleFunc(statePath+"/lock", s.states.LockStatus).Methods(http.MethodGet)

	// Backups
	v1.HandleFunc(statePath+"/backups", s.backups.CreateBackup).Methods(http.MethodPost)
	v1.HandleFunc(statePath+"/backups", s.backups.ListBackups).Methods(http.MethodGet)
	v1.HandleFunc("/backups/{backup_id}", s.backups.GetBackup).Methods(http.MethodGet)
	v1.HandleFunc("/backups/{backup_id}/verify", s.backups.VerifyBackup).Methods(http.MethodPost)
	v1.HandleFunc("/backups/{backup_id}/restore", s.backups.RestoreBackup).Methods(http.MethodPost)
	v1.HandleFunc("/backups/{backup_id}/export", s.backups.ExportBackup).Methods(http.MethodGet)

	// Audit log
	v1.HandleFunc("/audit", s.audit.List).Methods(http.MethodGet)

	// Not found handler
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, r, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
	})

	// Method not allowed handler
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, r, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
	})
}

// writeEnvelope writes the API error envelope for requests that never
// reach a handler.
func writeEnvelope(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"error":      map[string]string{"code": code, "message": message},
		"request_id": r.Header.Get(middleware.HeaderRequestID),
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.String("addr", s.httpServer.Addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetRouter returns the router for testing purposes.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
