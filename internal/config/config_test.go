package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing server host",
			mutate:  func(c *Config) { c.Server.Host = "" },
			wantErr: "server.host",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "missing database host",
			mutate:  func(c *Config) { c.Database.Host = "" },
			wantErr: "database.host",
		},
		{
			name: "database url makes discrete fields optional",
			mutate: func(c *Config) {
				c.Database.URL = "postgres://stateengine:secret@db:5432/stateengine"
				c.Database.Host = ""
				c.Database.User = ""
			},
		},
		{
			name:    "lock ttl too short",
			mutate:  func(c *Config) { c.Lock.TTL = 500 * time.Millisecond },
			wantErr: "lock.ttl",
		},
		{
			name:    "non-positive payload limit",
			mutate:  func(c *Config) { c.Storage.MaxPayloadBytes = 0 },
			wantErr: "storage.max_payload_bytes",
		},
		{
			name:    "non-positive sweep interval",
			mutate:  func(c *Config) { c.Retention.SweepInterval = 0 },
			wantErr: "retention.sweep_interval",
		},
		{
			name:    "archive enabled without bucket",
			mutate:  func(c *Config) { c.Archive.Enabled = true },
			wantErr: "archive.bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDatabaseConfig_ConnString(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		Database: "stateengine",
		User:     "stateengine",
		Password: "secret",
		SSLMode:  "require",
	}
	assert.Equal(t, "host=db.internal port=5432 dbname=stateengine user=stateengine password=secret sslmode=require", cfg.ConnString())

	cfg.URL = "postgres://stateengine:secret@db:5432/stateengine"
	assert.Equal(t, cfg.URL, cfg.ConnString())
}

func TestRedisConfig_Addr(t *testing.T) {
	cfg := RedisConfig{Host: "cache.internal", Port: 6380}
	assert.Equal(t, "cache.internal:6380", cfg.Addr())
}

func TestLoad_FromFile(t *testing.T) {
	content := `
server:
  port: 9191
database:
  host: db.internal
lock:
  ttl: 45s
retention:
  max_versions: 25
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)

	assert.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 45*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 25, cfg.Retention.MaxVersions)
	// Unset keys keep their defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, int64(16<<20), cfg.Storage.MaxPayloadBytes)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://stateengine:secret@db:5432/stateengine")
	t.Setenv("ARCHIVE_BUCKET", "state-archive")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres://stateengine:secret@db:5432/stateengine", cfg.Database.ConnString())
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "state-archive", cfg.Archive.Bucket)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	content := `
storage:
  max_payload_bytes: -1
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "storage.max_payload_bytes")
}
