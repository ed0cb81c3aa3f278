package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/config"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/health"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/metrics"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/server"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/service"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/store"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/util"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	logger.Info("Starting state engine")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Rebuild the logger with the configured level and format
	if configured, err := newLogger(cfg.Logging); err == nil {
		logger = configured
	} else {
		logger.Warn("Keeping production logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.String("redis_addr", cfg.Redis.Addr()))

	// Initialize metrics
	m := metrics.NewMetrics()
	logger.Info("Metrics initialized")

	ctx := context.Background()

	// Initialize PostgreSQL
	pg, err := store.NewPostgres(ctx, cfg.Database.ConnString(), store.PostgresOptions{
		MaxConns:        int32(cfg.Database.MaxConnections),
		MinConns:        int32(cfg.Database.MinConnections),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database schema", zap.Error(err))
	}
	logger.Info("PostgreSQL initialized")

	// Initialize Redis lock store
	lockStore, err := store.NewRedisLockStore(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("Redis lock store initialized")

	// Initialize S3 archive store when enabled
	var archiver store.Archiver
	if cfg.Archive.Enabled {
		s3Archiver, err := store.NewS3ArchiveStore(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix, cfg.Archive.Region, logger)
		if err != nil {
			logger.Fatal("Failed to initialize S3 archive store", zap.Error(err))
		}
		archiver = s3Archiver
		logger.Info("S3 archive store initialized", zap.String("bucket", cfg.Archive.Bucket))
	}

	objectStore := store.NewPostgresObjectStore(pg, logger)
	backupStore := store.NewPostgresBackupStore(pg, logger)
	auditStore := store.NewPostgresAuditStore(pg, logger)

	// Initialize services
	logger.Info("Initializing services")

	objectService := service.NewObjectService(objectStore, auditStore, cfg.Storage.MaxPayloadBytes, logger)
	lockService := service.NewLockService(
		lockStore,
		cfg.Lock.TTL,
		cfg.Lock.AcquireWait,
		util.Backoff{Base: cfg.Lock.RetryBase, Cap: cfg.Lock.RetryCap},
		logger,
	)
	backupService := service.NewBackupService(backupStore, objectService, lockService, auditStore, archiver, cfg.Backup, logger)
	coordinatorService := service.NewCoordinatorService(objectService, lockService, backupService, auditStore, m, logger)

	retentionService := service.NewRetentionService(objectService, backupService, m, cfg.Retention, cfg.Backup.ExpireForce, logger)
	retentionService.Start()

	logger.Info("All services initialized")

	// Start metrics server
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Initialize health checks
	healthCheck := health.NewHealthCheck(map[string]health.Pinger{
		"postgres": pg,
		"redis":    lockStore,
	}, m, logger)

	// Start HTTP server
	srv := server.NewServer(cfg, coordinatorService, healthCheck, m, logger)
	srv.SetupRoutes()

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}

	// Stop services
	healthCheck.Stop()
	retentionService.Stop()

	// Close stores
	lockStore.Close()
	pg.Close()

	logger.Info("State engine stopped")
}

// newLogger builds the zap logger from the logging configuration.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
