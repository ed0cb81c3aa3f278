package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres wraps the connection pool shared by the object, backup, and
// audit stores.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PostgresOptions holds pool tuning knobs.
type PostgresOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPostgres creates the connection pool and verifies connectivity.
func NewPostgres(ctx context.Context, connString string, opts PostgresOptions, logger *zap.Logger) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Migrate applies the schema statements. Each statement is idempotent, so
// every replica can run this at startup.
func (p *Postgres) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement %d: %w", i+1, err)
		}
	}
	p.logger.Info("database schema up to date", zap.Int("statements", len(schemaStatements)))
	return nil
}

// Pool exposes the underlying pool to the stores sharing it.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Ping checks connectivity
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool
func (p *Postgres) Close() {
	p.pool.Close()
}
