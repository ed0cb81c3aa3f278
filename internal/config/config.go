package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the state engine configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lock      LockConfig      `mapstructure:"lock"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Retention RetentionConfig `mapstructure:"retention"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents PostgreSQL configuration. URL takes precedence
// over the discrete fields when set.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// ConnString builds the pgx connection string
func (c DatabaseConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode,
	)
}

// RedisConfig represents the lease lock store configuration
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Addr returns host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LockConfig represents lease lock tuning
type LockConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	AcquireWait time.Duration `mapstructure:"acquire_wait"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryCap    time.Duration `mapstructure:"retry_cap"`
}

// StorageConfig represents payload limits
type StorageConfig struct {
	MaxPayloadBytes int64 `mapstructure:"max_payload_bytes"`
}

// BackupConfig represents backup retention windows. Zero disables expiry
// for that class of backup. ExpireForce lets the sweep drop even the last
// recovery point of a deleted state.
type BackupConfig struct {
	ManualRetention time.Duration `mapstructure:"manual_retention"`
	SafetyRetention time.Duration `mapstructure:"safety_retention"`
	ExpireForce     bool          `mapstructure:"expire_force"`
}

// ArchiveConfig represents the optional S3 cold archive for expiring
// backups
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Region  string `mapstructure:"region"`
}

// RetentionConfig represents the background sweep. MaxVersions of zero
// disables version pruning entirely; MaxVersionAge of zero prunes by count
// alone.
type RetentionConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SweepConcurrency int           `mapstructure:"sweep_concurrency"`
	MaxVersions      int           `mapstructure:"max_versions"`
	MaxVersionAge    time.Duration `mapstructure:"max_version_age"`
	ExpireBatchSize  int           `mapstructure:"expire_batch_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}
	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Lock.TTL < time.Second {
		return errors.New("lock.ttl must be at least one second")
	}
	if c.Lock.AcquireWait < 0 {
		return errors.New("lock.acquire_wait cannot be negative")
	}
	if c.Storage.MaxPayloadBytes <= 0 {
		return errors.New("storage.max_payload_bytes must be positive")
	}
	if c.Retention.SweepInterval <= 0 {
		return errors.New("retention.sweep_interval must be positive")
	}
	if c.Retention.SweepConcurrency <= 0 {
		return errors.New("retention.sweep_concurrency must be positive")
	}
	if c.Retention.MaxVersions < 0 {
		return errors.New("retention.max_versions cannot be negative")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required when archive is enabled")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "stateengine",
			User:            "stateengine",
			Password:        "",
			SSLMode:         "disable",
			MaxConnections:  50,
			MinConnections:  10,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     100,
			MinIdleConns: 10,
		},
		Lock: LockConfig{
			TTL:         30 * time.Second,
			AcquireWait: 10 * time.Second,
			RetryBase:   100 * time.Millisecond,
			RetryCap:    2 * time.Second,
		},
		Storage: StorageConfig{
			MaxPayloadBytes: 16 << 20, // 16 MiB
		},
		Backup: BackupConfig{
			ManualRetention: 720 * time.Hour, // 30 days
			SafetyRetention: 168 * time.Hour, // 7 days
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Prefix:  "state-backups",
		},
		Retention: RetentionConfig{
			SweepInterval:    5 * time.Minute,
			SweepConcurrency: 4,
			MaxVersions:      100,
			MaxVersionAge:    2160 * time.Hour, // 90 days
			ExpireBatchSize:  100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
