// Package metrics provides Prometheus metrics for the state engine.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/tristanaburns/iac-agent-engine-sub006/internal/errors"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	payloadBytes      *prometheus.HistogramVec

	integrityFailuresTotal prometheus.Counter
	inconsistenciesTotal   prometheus.Counter
	lockContentionTotal    prometheus.Counter

	sweepsTotal          prometheus.Counter
	sweepDuration        prometheus.Histogram
	prunedVersionsTotal  prometheus.Counter
	expiredBackupsTotal  prometheus.Counter
	archivedBackupsTotal prometheus.Counter
	sweepFailuresTotal   prometheus.Counter

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	healthStatus         prometheus.Gauge
}

var globalMetrics *Metrics

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics() *Metrics {
	if globalMetrics != nil {
		return globalMetrics
	}

	globalMetrics = &Metrics{
		operationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stateengine_operations_total",
				Help: "Total number of state operations by result",
			},
			[]string{"operation", "result"},
		),
		operationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stateengine_operation_duration_seconds",
				Help:    "State operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		payloadBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stateengine_payload_bytes",
				Help:    "Payload size in bytes by operation",
				Buckets: prometheus.ExponentialBuckets(256, 4, 10),
			},
			[]string{"operation"},
		),
		integrityFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stateengine_integrity_failures_total",
				Help: "Total number of checksum verification failures",
			},
		),
		inconsistenciesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stateengine_internal_inconsistencies_total",
				Help: "Total number of broken-invariant escalations",
			},
		),
		lockContentionTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stateengine_lock_contention_total",
				Help: "Total number of operations rejected on lock contention",
			},
		),
		sweepsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stateengine_retention_sweeps_total",
				Help: "Total number of retention sweep cycles",
			},
		),
		sweepDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stateengine_retention_sweep_duration_seconds",
				Help:    "Retention sweep cycle duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		prunedVersionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stateengine_pruned_versions_total",
				Help: "Total number of version rows removed by retention",
			},
		),
		expiredBackupsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stateengine_expired_backups_total",
				Help: "Total number of backups removed by retention",
			},
		),
		archivedBackupsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stateengine_archived_backups_total",
				Help: "Total number of backups pushed to cold storage",
			},
		),
		sweepFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stateengine_retention_sweep_failures_total",
				Help: "Total number of retention sweep item failures",
			},
		),
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stateengine_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stateengine_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stateengine_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
		healthStatus: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stateengine_health_status",
				Help: "Health status of the engine (1 = healthy, 0 = unhealthy)",
			},
		),
	}

	return globalMetrics
}

// RecordOperation records the outcome of one state operation.
func (m *Metrics) RecordOperation(operation string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		code := apperrors.GetCode(err)
		result = code.String()
		switch code {
		case apperrors.ErrCodeIntegrityViolation:
			m.integrityFailuresTotal.Inc()
		case apperrors.ErrCodeInternalInconsistency:
			m.inconsistenciesTotal.Inc()
		case apperrors.ErrCodeLockConflict, apperrors.ErrCodeLockUnavailable:
			m.lockContentionTotal.Inc()
		}
	}
	m.operationsTotal.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPayload records the payload size of a completed operation.
func (m *Metrics) RecordPayload(operation string, bytes int) {
	m.payloadBytes.WithLabelValues(operation).Observe(float64(bytes))
}

// RecordSweep records one retention sweep cycle.
func (m *Metrics) RecordSweep(duration time.Duration, pruned int64, expired, archived, failed int) {
	m.sweepsTotal.Inc()
	m.sweepDuration.Observe(duration.Seconds())
	m.prunedVersionsTotal.Add(float64(pruned))
	m.expiredBackupsTotal.Add(float64(expired))
	m.archivedBackupsTotal.Add(float64(archived))
	m.sweepFailuresTotal.Add(float64(failed))
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncRequestsInFlight increments the in-flight requests counter.
func (m *Metrics) IncRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecRequestsInFlight decrements the in-flight requests counter.
func (m *Metrics) DecRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// SetHealthStatus sets the health status gauge.
func (m *Metrics) SetHealthStatus(healthy bool) {
	if healthy {
		m.healthStatus.Set(1)
	} else {
		m.healthStatus.Set(0)
	}
}

// MetricsServer provides a separate HTTP server for Prometheus metrics.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server.
func NewMetricsServer(port int, path string, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		logger: logger,
	}
}

// Start starts the metrics server.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server", zap.String("addr", ms.server.Addr))
	return ms.server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// MetricsMiddleware creates middleware that records HTTP metrics.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncRequestsInFlight()
			defer m.DecRequestsInFlight()

			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			m.RecordHTTPRequest(r.Method, routePattern(r), rw.statusCode, time.Since(start))
		})
	}
}

// routePattern returns the mux route template when one matched, keeping
// label cardinality bounded regardless of path values.
func routePattern(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code.
func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
