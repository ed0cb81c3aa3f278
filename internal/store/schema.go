package store

// schemaStatements define the durable layout. state_versions rows are
// immutable once written; operation_audits is append-only. The backup
// foreign key into state_versions makes it impossible to prune a version
// that a backup still references.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS state_objects (
		state_id        TEXT PRIMARY KEY,
		tenant          TEXT NOT NULL,
		environment     TEXT NOT NULL,
		workspace       TEXT NOT NULL,
		name            TEXT NOT NULL,
		current_version BIGINT NOT NULL DEFAULT 0,
		checksum        TEXT NOT NULL DEFAULT '',
		size            BIGINT NOT NULL DEFAULT 0,
		deleted         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		updated_by      TEXT NOT NULL DEFAULT '',
		UNIQUE (tenant, environment, workspace, name)
	)`,

	`CREATE TABLE IF NOT EXISTS state_versions (
		state_id   TEXT NOT NULL REFERENCES state_objects(state_id),
		version    BIGINT NOT NULL,
		payload    BYTEA NOT NULL,
		checksum   TEXT NOT NULL,
		size       BIGINT NOT NULL,
		operation  TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		created_by TEXT NOT NULL,
		PRIMARY KEY (state_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS state_backups (
		backup_id        UUID PRIMARY KEY,
		state_id         TEXT NOT NULL,
		version          BIGINT NOT NULL,
		checksum         TEXT NOT NULL,
		size             BIGINT NOT NULL,
		backup_type      TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		created_by       TEXT NOT NULL,
		expires_at       TIMESTAMPTZ,
		verified_at      TIMESTAMPTZ,
		archived_at      TIMESTAMPTZ,
		archive_location TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (state_id, version) REFERENCES state_versions (state_id, version)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_state_backups_state
		ON state_backups (state_id, created_at DESC, backup_id DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_state_backups_expires
		ON state_backups (expires_at) WHERE expires_at IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS operation_audits (
		id          BIGSERIAL PRIMARY KEY,
		state_id    TEXT NOT NULL,
		operation   TEXT NOT NULL,
		actor       TEXT NOT NULL,
		result      TEXT NOT NULL,
		version     BIGINT NOT NULL DEFAULT 0,
		detail      TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_operation_audits_state
		ON operation_audits (state_id, id)`,
}
