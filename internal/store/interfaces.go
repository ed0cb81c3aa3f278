package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("not found")

// ErrLockMismatch is returned when a renew or release presents a lock ID
// that does not match the active lease
var ErrLockMismatch = errors.New("lock not held by caller")

// VersionConflictError reports a failed optimistic version check. It carries
// the current version so callers can surface both sides of the conflict.
type VersionConflictError struct {
	StateID  string
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.StateID, e.Expected, e.Current)
}

// ObjectStore interface for durable state objects and their version history.
// PutVersion performs the optimistic compare-and-set on the current pointer
// and appends the immutable version row and its audit entry in one
// transaction.
type ObjectStore interface {
	PutVersion(ctx context.Context, ref model.StateRef, payload []byte, checksum string, expectedVersion int64, operation model.Operation, actor string) (*model.StateVersion, error)
	GetObject(ctx context.Context, stateID string) (*model.StateObject, error)
	ListObjects(ctx context.Context, filter model.ObjectFilter, limit int, afterID string) ([]*model.StateObject, error)
	GetCurrentVersion(ctx context.Context, stateID string) (*model.StateVersion, error)
	GetVersion(ctx context.Context, stateID string, version int64) (*model.StateVersion, error)
	ListVersions(ctx context.Context, stateID string, limit int, beforeVersion int64) ([]model.VersionInfo, error)
	PruneVersions(ctx context.Context, stateID string, keepNewest int, olderThan time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// LockStore interface for lease records. Leases expire server-side; an
// expired lease is indistinguishable from a released one.
type LockStore interface {
	// TryAcquire attempts to take the lease. On contention it returns
	// (false, current holder, nil); a nil holder means the lease vanished
	// between the attempt and the read, and the caller may retry.
	TryAcquire(ctx context.Context, record *model.LockRecord, ttl time.Duration) (bool, *model.LockRecord, error)
	Renew(ctx context.Context, stateID, lockID string, expiresAt time.Time, ttl time.Duration) (*model.LockRecord, error)
	Release(ctx context.Context, stateID, lockID string) error
	Get(ctx context.Context, stateID string) (*model.LockRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// BackupStore interface for backup records
type BackupStore interface {
	Create(ctx context.Context, record *model.BackupRecord) error
	Get(ctx context.Context, backupID string) (*model.BackupRecord, error)
	List(ctx context.Context, stateID string, filter model.BackupFilter, limit int, createdBefore time.Time, beforeID string) ([]*model.BackupRecord, error)
	MarkVerified(ctx context.Context, backupID string, verifiedAt time.Time) error
	MarkArchived(ctx context.Context, backupID string, archivedAt time.Time, location string) error
	Delete(ctx context.Context, backupID string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.BackupRecord, error)
	CountOthers(ctx context.Context, stateID, excludeBackupID string) (int64, error)
}

// AuditStore interface for the append-only operation log
type AuditStore interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
	List(ctx context.Context, stateID string, afterID int64, limit int) ([]*model.AuditEntry, error)
}

// Archiver pushes expiring backups to cold storage. Implementations return
// the archive location for the record.
type Archiver interface {
	Archive(ctx context.Context, record *model.BackupRecord, payload []byte) (string, error)
}
