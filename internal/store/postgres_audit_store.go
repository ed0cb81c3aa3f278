package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
)

// insertAuditSQL is shared with the object store so version writes can
// append their audit entry inside the same transaction.
const insertAuditSQL = `
	INSERT INTO operation_audits (state_id, operation, actor, result, version, detail, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// PostgresAuditStore implements AuditStore on the shared pool
type PostgresAuditStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresAuditStore creates a new PostgreSQL audit store
func NewPostgresAuditStore(pg *Postgres, logger *zap.Logger) *PostgresAuditStore {
	return &PostgresAuditStore{pool: pg.Pool(), logger: logger}
}

// Append writes one audit entry. The log is append-only: nothing in the
// engine updates or deletes these rows.
func (s *PostgresAuditStore) Append(ctx context.Context, entry *model.AuditEntry) error {
	occurredAt := entry.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, insertAuditSQL,
		entry.StateID,
		entry.Operation,
		entry.Actor,
		entry.Result,
		entry.Version,
		entry.Detail,
		occurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List returns audit entries in append order, starting after the given id.
// An empty stateID exports across all states.
func (s *PostgresAuditStore) List(ctx context.Context, stateID string, afterID int64, limit int) ([]*model.AuditEntry, error) {
	query := `
		SELECT id, state_id, operation, actor, result, version, detail, occurred_at
		FROM operation_audits
		WHERE id > $1
	`
	args := []interface{}{afterID}
	argIdx := 2

	if stateID != "" {
		query += fmt.Sprintf(" AND state_id = $%d", argIdx)
		args = append(args, stateID)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY id LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*model.AuditEntry, 0)
	for rows.Next() {
		var entry model.AuditEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.StateID,
			&entry.Operation,
			&entry.Actor,
			&entry.Result,
			&entry.Version,
			&entry.Detail,
			&entry.OccurredAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
