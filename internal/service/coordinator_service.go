package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/tristanaburns/iac-agent-engine-sub006/internal/errors"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/metrics"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/store"
)

// VersionCurrent tells Write to resolve the expected version under its own
// lock instead of checking a caller-supplied one.
const VersionCurrent int64 = -1

// CoordinatorService is the façade every caller goes through. It sequences
// locking, safety backups, optimistic writes and audit so that a partial
// failure never leaves state half-mutated.
type CoordinatorService struct {
	objects *ObjectService
	locks   *LockService
	backups *BackupService
	audits  store.AuditStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCoordinatorService creates a new coordinator service
func NewCoordinatorService(objects *ObjectService, locks *LockService, backups *BackupService, audits store.AuditStore, m *metrics.Metrics, logger *zap.Logger) *CoordinatorService {
	return &CoordinatorService{
		objects: objects,
		locks:   locks,
		backups: backups,
		audits:  audits,
		metrics: m,
		logger:  logger,
	}
}

// Read returns the latest version of the state, integrity-checked. Reads
// take no lock.
func (c *CoordinatorService) Read(ctx context.Context, ref model.StateRef) (*model.StateVersion, error) {
	start := time.Now()
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	version, err := c.objects.Get(ctx, ref.ID())
	c.record("read", start, err)
	return version, err
}

// ReadVersion returns one historical version, integrity-checked.
func (c *CoordinatorService) ReadVersion(ctx context.Context, ref model.StateRef, version int64) (*model.StateVersion, error) {
	start := time.Now()
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	sv, err := c.objects.GetVersion(ctx, ref.ID(), version)
	c.record("read", start, err)
	return sv, err
}

// Write stores payload as the next version under the state's write lock.
// expectedVersion VersionCurrent means "whatever is current once the lock
// is held"; any other value is the caller's optimistic check, and a
// mismatch is an ordinary conflict. A mismatch against the version the
// engine itself resolved under the lock cannot happen unless the lock was
// bypassed, so that case escalates.
func (c *CoordinatorService) Write(ctx context.Context, ref model.StateRef, payload []byte, actor string, expectedVersion int64) (*model.StateVersion, error) {
	start := time.Now()
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	if actor == "" {
		return nil, apperrors.InvalidArgument("actor cannot be empty", nil)
	}
	if err := c.objects.ValidatePayload(payload); err != nil {
		return nil, err
	}
	stateID := ref.ID()

	var written *model.StateVersion
	err := c.locks.WithLock(ctx, stateID, actor, "write", func(ctx context.Context, _ *model.LockRecord) error {
		expected := expectedVersion
		resolved := false
		if expected == VersionCurrent {
			obj, err := c.objects.GetObject(ctx, stateID)
			switch {
			case err == nil:
				expected = obj.CurrentVersion
			case apperrors.IsCode(err, apperrors.ErrCodeNotFound):
				expected = 0
			default:
				return err
			}
			resolved = true
		}

		var perr error
		written, perr = c.objects.Put(ctx, ref, payload, expected, model.OperationWrite, actor)
		if perr != nil {
			if resolved {
				return escalateHeldConflict(c.logger, stateID, "write", perr)
			}
			return perr
		}
		return nil
	})
	c.record("write", start, err)
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.RecordPayload("write", len(payload))
	}
	return written, nil
}

// Rollback re-applies the payload of an existing version as a new version.
// The current version is snapshotted first so the rollback itself can be
// undone. History is never truncated.
func (c *CoordinatorService) Rollback(ctx context.Context, ref model.StateRef, targetVersion int64, actor string) (*model.StateVersion, error) {
	start := time.Now()
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	if actor == "" {
		return nil, apperrors.InvalidArgument("actor cannot be empty", nil)
	}
	if targetVersion <= 0 {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("target version must be positive: %d", targetVersion), nil)
	}
	stateID := ref.ID()

	var rolled *model.StateVersion
	err := c.locks.WithLock(ctx, stateID, actor, "rollback", func(ctx context.Context, lock *model.LockRecord) error {
		obj, err := c.objects.GetObject(ctx, stateID)
		if err != nil {
			return err
		}
		if obj.Deleted {
			return apperrors.StateNotFound(stateID).WithDetail("deleted", true)
		}
		if targetVersion == obj.CurrentVersion {
			return apperrors.InvalidArgument(fmt.Sprintf("version %d is already current", targetVersion), nil)
		}

		target, err := c.objects.GetVersion(ctx, stateID, targetVersion)
		if err != nil {
			return err
		}
		if target.Operation == model.OperationDelete {
			return apperrors.InvalidArgument(fmt.Sprintf("version %d is a delete marker", targetVersion), nil)
		}

		description := fmt.Sprintf("before rollback to version %d", targetVersion)
		if _, err := c.backups.Create(ctx, stateID, description, model.BackupTypeRollbackSafety, actor, lock); err != nil {
			return err
		}

		rolled, err = c.objects.Put(ctx, ref, target.Payload, obj.CurrentVersion, model.OperationRollback, actor)
		if err != nil {
			return escalateHeldConflict(c.logger, stateID, "rollback", err)
		}
		return nil
	})
	c.record("rollback", start, err)
	if err != nil {
		return nil, err
	}

	c.logger.Info("state rolled back",
		zap.String("state_id", stateID),
		zap.Int64("target_version", targetVersion),
		zap.Int64("new_version", rolled.Version),
		zap.String("actor", actor),
	)
	return rolled, nil
}

// Delete tombstones the state under its lock, snapshotting the current
// version first so the delete is recoverable through the backup.
func (c *CoordinatorService) Delete(ctx context.Context, ref model.StateRef, actor string) (*model.StateVersion, error) {
	start := time.Now()
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	if actor == "" {
		return nil, apperrors.InvalidArgument("actor cannot be empty", nil)
	}
	stateID := ref.ID()

	var tombstone *model.StateVersion
	err := c.locks.WithLock(ctx, stateID, actor, "delete", func(ctx context.Context, lock *model.LockRecord) error {
		if _, err := c.backups.Create(ctx, stateID, "before delete", model.BackupTypePreDelete, actor, lock); err != nil {
			return err
		}

		var derr error
		tombstone, derr = c.objects.Delete(ctx, ref, actor)
		if derr != nil {
			return escalateHeldConflict(c.logger, stateID, "delete", derr)
		}
		return nil
	})
	c.record("delete", start, err)
	if err != nil {
		return nil, err
	}
	return tombstone, nil
}

// CreateBackup takes an operator-requested backup. Only manual and
// scheduled types come in through the API; safety backups are created by
// the engine itself.
func (c *CoordinatorService) CreateBackup(ctx context.Context, ref model.StateRef, description string, typ model.BackupType, actor string) (*model.BackupRecord, error) {
	start := time.Now()
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	if typ == "" {
		typ = model.BackupTypeManual
	}
	if typ != model.BackupTypeManual && typ != model.BackupTypeScheduled {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("backup type %q cannot be requested", typ), nil)
	}

	record, err := c.backups.Create(ctx, ref.ID(), description, typ, actor, nil)
	c.record("backup", start, err)
	return record, err
}

// VerifyBackup re-checks a backup's payload against its checksum.
func (c *CoordinatorService) VerifyBackup(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	start := time.Now()
	record, err := c.backups.Verify(ctx, backupID)
	c.record("verify", start, err)
	return record, err
}

// RestoreBackup writes a backup's payload as a new version of the target
// state, under the target's lock.
func (c *CoordinatorService) RestoreBackup(ctx context.Context, backupID, targetStateID, actor string) (*model.StateVersion, error) {
	start := time.Now()
	version, err := c.backups.Restore(ctx, backupID, targetStateID, actor)
	c.record("restore", start, err)
	return version, err
}

// GetBackup returns one backup record.
func (c *CoordinatorService) GetBackup(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	return c.backups.Get(ctx, backupID)
}

// ListBackups returns backup records for one state, newest first.
func (c *CoordinatorService) ListBackups(ctx context.Context, ref model.StateRef, filter model.BackupFilter, limit int, createdBefore time.Time, beforeID string) ([]*model.BackupRecord, error) {
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	return c.backups.List(ctx, ref.ID(), filter, limit, createdBefore, beforeID)
}

// ExportBackup returns the raw backup payload and its record.
func (c *CoordinatorService) ExportBackup(ctx context.Context, backupID string) ([]byte, *model.BackupRecord, error) {
	return c.backups.Export(ctx, backupID)
}

// ListVersions returns version metadata for one state, newest first.
func (c *CoordinatorService) ListVersions(ctx context.Context, ref model.StateRef, limit int, beforeVersion int64) ([]model.VersionInfo, error) {
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	return c.objects.ListVersions(ctx, ref.ID(), limit, beforeVersion)
}

// GetObject returns the current pointer and metadata for one state,
// including deleted states.
func (c *CoordinatorService) GetObject(ctx context.Context, ref model.StateRef) (*model.StateObject, error) {
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	return c.objects.GetObject(ctx, ref.ID())
}

// ListObjects enumerates state objects matching the filter.
func (c *CoordinatorService) ListObjects(ctx context.Context, filter model.ObjectFilter, limit int, afterID string) ([]*model.StateObject, error) {
	return c.objects.ListObjects(ctx, filter, limit, afterID)
}

// LockStatus returns the active lease on the state, or nil when unlocked.
func (c *CoordinatorService) LockStatus(ctx context.Context, ref model.StateRef) (*model.LockRecord, error) {
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	return c.locks.Status(ctx, ref.ID())
}

// AuditLog pages through the append-only operation log in insertion order.
// stateID may be empty to export across all states.
func (c *CoordinatorService) AuditLog(ctx context.Context, stateID string, afterID int64, limit int) ([]*model.AuditEntry, error) {
	limit = clampLimit(limit)

	entries, err := c.audits.List(ctx, stateID, afterID, limit)
	if err != nil {
		if store.IsTransient(err) {
			return nil, apperrors.Unavailable("audit store unreachable", err)
		}
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}

func (c *CoordinatorService) record(operation string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordOperation(operation, time.Since(start), err)
}

// escalateHeldConflict converts a version conflict observed while holding
// the state's lock into an internal inconsistency. Under the lease no other
// writer can move the current pointer, so the conflict means the lock was
// bypassed or the pointer is corrupt.
func escalateHeldConflict(logger *zap.Logger, stateID, operation string, err error) error {
	se, ok := apperrors.AsStateError(err)
	if !ok || se.Code != apperrors.ErrCodeVersionConflict {
		return err
	}

	logger.Error("version conflict while holding the lock",
		zap.String("state_id", stateID),
		zap.String("operation", operation),
		zap.Any("details", se.Details),
	)
	return apperrors.InternalInconsistency(
		fmt.Sprintf("version conflict on %s during locked %s", stateID, operation)).
		WithDetail("state_id", stateID).
		WithDetail("operation", operation).
		WithDetail("cause", se.Message)
}
