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

// PostgresObjectStore implements ObjectStore on the shared pool
type PostgresObjectStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresObjectStore creates a new PostgreSQL object store
func NewPostgresObjectStore(pg *Postgres, logger *zap.Logger) *PostgresObjectStore {
	return &PostgresObjectStore{pool: pg.Pool(), logger: logger}
}

// PutVersion advances the current pointer with a compare-and-set and
// appends the version row plus its audit entry in one transaction. A zero
// expected version creates the object; a delete operation marks it deleted;
// any other operation on a deleted object revives it.
func (s *PostgresObjectStore) PutVersion(ctx context.Context, ref model.StateRef, payload []byte, checksum string, expectedVersion int64, operation model.Operation, actor string) (*model.StateVersion, error) {
	stateID := ref.ID()
	now := time.Now().UTC()
	newVersion := expectedVersion + 1
	deleted := operation == model.OperationDelete

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if expectedVersion == 0 {
		query := `
			INSERT INTO state_objects (state_id, tenant, environment, workspace, name, current_version, checksum, size, deleted, created_at, updated_at, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $11)
			ON CONFLICT (state_id) DO NOTHING
		`

		result, err := tx.Exec(ctx, query,
			stateID,
			ref.Tenant,
			ref.Environment,
			ref.Workspace,
			ref.Name,
			newVersion,
			checksum,
			int64(len(payload)),
			deleted,
			now,
			actor,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create state object: %w", err)
		}

		if result.RowsAffected() == 0 {
			return nil, s.conflictFor(ctx, stateID, expectedVersion)
		}
	} else {
		query := `
			UPDATE state_objects
			SET current_version = $3, checksum = $4, size = $5, deleted = $6, updated_at = $7, updated_by = $8
			WHERE state_id = $1 AND current_version = $2
		`

		result, err := tx.Exec(ctx, query,
			stateID,
			expectedVersion,
			newVersion,
			checksum,
			int64(len(payload)),
			deleted,
			now,
			actor,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update state object: %w", err)
		}

		if result.RowsAffected() == 0 {
			return nil, s.conflictFor(ctx, stateID, expectedVersion)
		}
	}

	versionQuery := `
		INSERT INTO state_versions (state_id, version, payload, checksum, size, operation, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if _, err := tx.Exec(ctx, versionQuery,
		stateID,
		newVersion,
		payload,
		checksum,
		int64(len(payload)),
		string(operation),
		now,
		actor,
	); err != nil {
		return nil, fmt.Errorf("failed to insert state version: %w", err)
	}

	if _, err := tx.Exec(ctx, insertAuditSQL,
		stateID,
		string(operation),
		actor,
		model.AuditResultSuccess,
		newVersion,
		"",
		now,
	); err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit version: %w", err)
	}

	return &model.StateVersion{
		StateID:   stateID,
		Version:   newVersion,
		Payload:   payload,
		Checksum:  checksum,
		Size:      int64(len(payload)),
		Operation: operation,
		CreatedAt: now,
		CreatedBy: actor,
	}, nil
}

// conflictFor resolves a failed compare-and-set into ErrNotFound or a
// VersionConflictError carrying the actual current version.
func (s *PostgresObjectStore) conflictFor(ctx context.Context, stateID string, expected int64) error {
	var current int64
	err := s.pool.QueryRow(ctx, `SELECT current_version FROM state_objects WHERE state_id = $1`, stateID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to resolve version conflict: %w", err)
	}
	return &VersionConflictError{StateID: stateID, Expected: expected, Current: current}
}

// GetObject retrieves the current pointer row, including deleted objects
func (s *PostgresObjectStore) GetObject(ctx context.Context, stateID string) (*model.StateObject, error) {
	query := `
		SELECT state_id, tenant, environment, workspace, name, current_version, checksum, size, deleted, created_at, updated_at, updated_by
		FROM state_objects
		WHERE state_id = $1
	`

	var obj model.StateObject
	err := s.pool.QueryRow(ctx, query, stateID).Scan(
		&obj.ID,
		&obj.Tenant,
		&obj.Environment,
		&obj.Workspace,
		&obj.Name,
		&obj.CurrentVersion,
		&obj.Checksum,
		&obj.Size,
		&obj.Deleted,
		&obj.CreatedAt,
		&obj.UpdatedAt,
		&obj.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get state object: %w", err)
	}

	return &obj, nil
}

// ListObjects enumerates objects keyset-paginated by state_id
func (s *PostgresObjectStore) ListObjects(ctx context.Context, filter model.ObjectFilter, limit int, afterID string) ([]*model.StateObject, error) {
	query := `
		SELECT state_id, tenant, environment, workspace, name, current_version, checksum, size, deleted, created_at, updated_at, updated_by
		FROM state_objects
		WHERE state_id > $1
	`
	args := []interface{}{afterID}
	argIdx := 2

	if filter.Tenant != "" {
		query += fmt.Sprintf(" AND tenant = $%d", argIdx)
		args = append(args, filter.Tenant)
		argIdx++
	}
	if filter.Environment != "" {
		query += fmt.Sprintf(" AND environment = $%d", argIdx)
		args = append(args, filter.Environment)
		argIdx++
	}
	if filter.Workspace != "" {
		query += fmt.Sprintf(" AND workspace = $%d", argIdx)
		args = append(args, filter.Workspace)
		argIdx++
	}
	if !filter.IncludeDeleted {
		query += " AND deleted = FALSE"
	}

	query += fmt.Sprintf(" ORDER BY state_id LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list state objects: %w", err)
	}
	defer rows.Close()

	objects := make([]*model.StateObject, 0)
	for rows.Next() {
		var obj model.StateObject
		if err := rows.Scan(
			&obj.ID,
			&obj.Tenant,
			&obj.Environment,
			&obj.Workspace,
			&obj.Name,
			&obj.CurrentVersion,
			&obj.Checksum,
			&obj.Size,
			&obj.Deleted,
			&obj.CreatedAt,
			&obj.UpdatedAt,
			&obj.UpdatedBy,
		); err != nil {
			return nil, err
		}
		objects = append(objects, &obj)
	}

	return objects, rows.Err()
}

// GetCurrentVersion retrieves the latest version of a live object. Deleted
// objects report not found here; their history stays reachable through
// GetVersion.
func (s *PostgresObjectStore) GetCurrentVersion(ctx context.Context, stateID string) (*model.StateVersion, error) {
	query := `
		SELECT v.state_id, v.version, v.payload, v.checksum, v.size, v.operation, v.created_at, v.created_by
		FROM state_objects o
		JOIN state_versions v ON v.state_id = o.state_id AND v.version = o.current_version
		WHERE o.state_id = $1 AND o.deleted = FALSE
	`

	return s.scanVersion(s.pool.QueryRow(ctx, query, stateID))
}

// GetVersion retrieves one version row, current or historical
func (s *PostgresObjectStore) GetVersion(ctx context.Context, stateID string, version int64) (*model.StateVersion, error) {
	query := `
		SELECT state_id, version, payload, checksum, size, operation, created_at, created_by
		FROM state_versions
		WHERE state_id = $1 AND version = $2
	`

	return s.scanVersion(s.pool.QueryRow(ctx, query, stateID, version))
}

func (s *PostgresObjectStore) scanVersion(row pgx.Row) (*model.StateVersion, error) {
	var v model.StateVersion
	var operation string
	err := row.Scan(
		&v.StateID,
		&v.Version,
		&v.Payload,
		&v.Checksum,
		&v.Size,
		&operation,
		&v.CreatedAt,
		&v.CreatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get state version: %w", err)
	}
	v.Operation = model.Operation(operation)
	return &v, nil
}

// ListVersions returns version metadata newest first. A zero beforeVersion
// starts from the latest; otherwise only versions below it are returned.
func (s *PostgresObjectStore) ListVersions(ctx context.Context, stateID string, limit int, beforeVersion int64) ([]model.VersionInfo, error) {
	query := `
		SELECT state_id, version, checksum, size, operation, created_at, created_by
		FROM state_versions
		WHERE state_id = $1 AND ($2 = 0 OR version < $2)
		ORDER BY version DESC
		LIMIT $3
	`

	rows, err := s.pool.Query(ctx, query, stateID, beforeVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list state versions: %w", err)
	}
	defer rows.Close()

	versions := make([]model.VersionInfo, 0)
	for rows.Next() {
		var info model.VersionInfo
		var operation string
		if err := rows.Scan(
			&info.StateID,
			&info.Version,
			&info.Checksum,
			&info.Size,
			&operation,
			&info.CreatedAt,
			&info.CreatedBy,
		); err != nil {
			return nil, err
		}
		info.Operation = model.Operation(operation)
		versions = append(versions, info)
	}

	return versions, rows.Err()
}

// PruneVersions removes old version rows for one state. The current
// version, the newest keepNewest rows, and any version referenced by a
// backup are always kept, so the sweep needs no lock.
func (s *PostgresObjectStore) PruneVersions(ctx context.Context, stateID string, keepNewest int, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM state_versions v
		WHERE v.state_id = $1
		  AND v.created_at < $2
		  AND v.version NOT IN (
			SELECT current_version FROM state_objects WHERE state_id = $1
		  )
		  AND v.version NOT IN (
			SELECT version FROM state_versions WHERE state_id = $1 ORDER BY version DESC LIMIT $3
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM state_backups b WHERE b.state_id = v.state_id AND b.version = v.version
		  )
	`

	result, err := s.pool.Exec(ctx, query, stateID, olderThan, keepNewest)
	if err != nil {
		return 0, fmt.Errorf("failed to prune versions: %w", err)
	}

	pruned := result.RowsAffected()
	if pruned > 0 {
		s.logger.Debug("pruned state versions",
			zap.String("state_id", stateID),
			zap.Int64("pruned", pruned),
		)
	}
	return pruned, nil
}

// Ping checks connectivity
func (s *PostgresObjectStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
