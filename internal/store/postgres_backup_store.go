package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
)

// PostgresBackupStore implements BackupStore on the shared pool
type PostgresBackupStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresBackupStore creates a new PostgreSQL backup store
func NewPostgresBackupStore(pg *Postgres, logger *zap.Logger) *PostgresBackupStore {
	return &PostgresBackupStore{pool: pg.Pool(), logger: logger}
}

// Create inserts a backup record referencing an existing version row
func (s *PostgresBackupStore) Create(ctx context.Context, record *model.BackupRecord) error {
	query := `
		INSERT INTO state_backups (backup_id, state_id, version, checksum, size, backup_type, description, created_at, created_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.pool.Exec(ctx, query,
		record.BackupID,
		record.StateID,
		record.Version,
		record.Checksum,
		record.Size,
		string(record.Type),
		record.Description,
		record.CreatedAt,
		record.CreatedBy,
		record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create backup record: %w", err)
	}
	return nil
}

// Get retrieves one backup record
func (s *PostgresBackupStore) Get(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	query := selectBackupSQL + ` WHERE backup_id = $1`

	record, err := s.scanBackup(s.pool.QueryRow(ctx, query, backupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get backup record: %w", err)
	}
	return record, nil
}

// List returns backup records for one state, newest first, keyset-paginated
// by (created_at, backup_id). A zero createdBefore starts from the newest.
func (s *PostgresBackupStore) List(ctx context.Context, stateID string, filter model.BackupFilter, limit int, createdBefore time.Time, beforeID string) ([]*model.BackupRecord, error) {
	query := selectBackupSQL + ` WHERE state_id = $1`
	args := []interface{}{stateID}
	argIdx := 2

	if !createdBefore.IsZero() {
		query += fmt.Sprintf(" AND (created_at, backup_id::text) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, createdBefore, beforeID)
		argIdx += 2
	}
	if filter.Type != "" {
		query += fmt.Sprintf(" AND backup_type = $%d", argIdx)
		args = append(args, string(filter.Type))
		argIdx++
	}
	if filter.VerifiedOnly {
		query += " AND verified_at IS NOT NULL"
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(" AND created_at > $%d", argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, backup_id::text DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	return s.queryBackups(ctx, query, args...)
}

// MarkVerified stamps a successful integrity verification
func (s *PostgresBackupStore) MarkVerified(ctx context.Context, backupID string, verifiedAt time.Time) error {
	query := `UPDATE state_backups SET verified_at = $2 WHERE backup_id = $1`

	result, err := s.pool.Exec(ctx, query, backupID, verifiedAt)
	if err != nil {
		return fmt.Errorf("failed to mark backup verified: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkArchived records the cold storage location before expiry deletes the
// record
func (s *PostgresBackupStore) MarkArchived(ctx context.Context, backupID string, archivedAt time.Time, location string) error {
	query := `UPDATE state_backups SET archived_at = $2, archive_location = $3 WHERE backup_id = $1`

	result, err := s.pool.Exec(ctx, query, backupID, archivedAt, location)
	if err != nil {
		return fmt.Errorf("failed to mark backup archived: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes one backup record
func (s *PostgresBackupStore) Delete(ctx context.Context, backupID string) error {
	query := `DELETE FROM state_backups WHERE backup_id = $1`

	result, err := s.pool.Exec(ctx, query, backupID)
	if err != nil {
		return fmt.Errorf("failed to delete backup record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired returns records whose retention has lapsed, oldest expiry
// first
func (s *PostgresBackupStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.BackupRecord, error) {
	query := selectBackupSQL + `
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`

	return s.queryBackups(ctx, query, now, limit)
}

// CountOthers counts the remaining backups of a state, excluding one
// record. Used to keep the last recovery point of a deleted state.
func (s *PostgresBackupStore) CountOthers(ctx context.Context, stateID, excludeBackupID string) (int64, error) {
	query := `SELECT COUNT(*) FROM state_backups WHERE state_id = $1 AND backup_id::text != $2`

	var count int64
	if err := s.pool.QueryRow(ctx, query, stateID, excludeBackupID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count backups: %w", err)
	}
	return count, nil
}

const selectBackupSQL = `
	SELECT backup_id, state_id, version, checksum, size, backup_type, description, created_at, created_by, expires_at, verified_at, archived_at, archive_location
	FROM state_backups
`

func (s *PostgresBackupStore) queryBackups(ctx context.Context, query string, args ...interface{}) ([]*model.BackupRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup records: %w", err)
	}
	defer rows.Close()

	records := make([]*model.BackupRecord, 0)
	for rows.Next() {
		record, err := s.scanBackup(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (s *PostgresBackupStore) scanBackup(row pgx.Row) (*model.BackupRecord, error) {
	var record model.BackupRecord
	var backupType string
	err := row.Scan(
		&record.BackupID,
		&record.StateID,
		&record.Version,
		&record.Checksum,
		&record.Size,
		&backupType,
		&record.Description,
		&record.CreatedAt,
		&record.CreatedBy,
		&record.ExpiresAt,
		&record.VerifiedAt,
		&record.ArchivedAt,
		&record.ArchiveLocation,
	)
	if err != nil {
		return nil, err
	}
	record.Type = model.BackupType(backupType)
	return &record, nil
}
