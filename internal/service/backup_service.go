package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/config"
	apperrors "github.com/tristanaburns/iac-agent-engine-sub006/internal/errors"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/store"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/util"
)

// defaultExpireBatch caps how many expired backups one Expire pass touches.
const defaultExpireBatch = 100

// sweeperActor identifies retention-driven mutations in the audit log.
const sweeperActor = "retention-sweeper"

// ExpireReport summarizes one backup expiry pass.
type ExpireReport struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	Archived int `json:"archived"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// BackupService manages recovery points. A backup is a reference to an
// immutable version row, not a payload copy; the reference pins the row
// against pruning until the backup itself expires.
type BackupService struct {
	backups  store.BackupStore
	objects  *ObjectService
	locks    *LockService
	audits   store.AuditStore
	archiver store.Archiver

	manualRetention time.Duration
	safetyRetention time.Duration
	logger          *zap.Logger
}

// NewBackupService creates a new backup service. archiver may be nil, in
// which case expired backups are deleted without cold archival.
func NewBackupService(backups store.BackupStore, objects *ObjectService, locks *LockService, audits store.AuditStore, archiver store.Archiver, cfg config.BackupConfig, logger *zap.Logger) *BackupService {
	return &BackupService{
		backups:         backups,
		objects:         objects,
		locks:           locks,
		audits:          audits,
		archiver:        archiver,
		manualRetention: cfg.ManualRetention,
		safetyRetention: cfg.SafetyRetention,
		logger:          logger,
	}
}

// Create snapshots the current version of stateID as a recovery point.
// When held is nil the service takes its own short lock so the snapshot is
// consistent; coordinator flows pass their already-held lease instead.
func (s *BackupService) Create(ctx context.Context, stateID, description string, typ model.BackupType, actor string, held *model.LockRecord) (*model.BackupRecord, error) {
	if !model.ValidBackupType(typ) {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unknown backup type %q", typ), nil)
	}
	if actor == "" {
		return nil, apperrors.InvalidArgument("actor cannot be empty", nil)
	}

	if held != nil {
		return s.createLocked(ctx, stateID, description, typ, actor)
	}

	var record *model.BackupRecord
	err := s.locks.WithLock(ctx, stateID, actor, "backup", func(ctx context.Context, _ *model.LockRecord) error {
		var err error
		record, err = s.createLocked(ctx, stateID, description, typ, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// createLocked performs the snapshot under a lease the caller guarantees.
func (s *BackupService) createLocked(ctx context.Context, stateID, description string, typ model.BackupType, actor string) (*model.BackupRecord, error) {
	current, err := s.objects.Get(ctx, stateID)
	if err != nil {
		s.audit(ctx, stateID, "backup", actor, apperrors.GetCode(err).String(), 0, err.Error())
		return nil, err
	}

	now := time.Now().UTC()
	record := &model.BackupRecord{
		BackupID:    uuid.New().String(),
		StateID:     stateID,
		Version:     current.Version,
		Checksum:    current.Checksum,
		Size:        current.Size,
		Type:        typ,
		Description: description,
		CreatedAt:   now,
		CreatedBy:   actor,
		ExpiresAt:   s.expiryFor(typ, now),
	}

	if err := s.backups.Create(ctx, record); err != nil {
		if store.IsTransient(err) {
			return nil, apperrors.Unavailable("backup store unreachable", err)
		}
		wrapped := fmt.Errorf("failed to create backup for %s: %w", stateID, err)
		s.audit(ctx, stateID, "backup", actor, apperrors.GetCode(wrapped).String(), current.Version, wrapped.Error())
		return nil, wrapped
	}

	s.audit(ctx, stateID, "backup", actor, model.AuditResultSuccess, record.Version,
		fmt.Sprintf("backup %s type %s", record.BackupID, record.Type))
	s.logger.Info("backup created",
		zap.String("backup_id", record.BackupID),
		zap.String("state_id", stateID),
		zap.Int64("version", record.Version),
		zap.String("type", string(typ)),
	)
	return record, nil
}

// Verify recomputes the referenced payload's checksum against the backup
// record. Success stamps VerifiedAt; a mismatch leaves the record
// unverified.
func (s *BackupService) Verify(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	record, err := s.Get(ctx, backupID)
	if err != nil {
		return nil, err
	}

	if _, err := s.loadPayload(ctx, record); err != nil {
		return nil, err
	}

	verifiedAt := time.Now().UTC()
	if err := s.backups.MarkVerified(ctx, backupID, verifiedAt); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, apperrors.BackupNotFound(backupID)
		}
		if store.IsTransient(err) {
			return nil, apperrors.Unavailable("backup store unreachable", err)
		}
		return nil, fmt.Errorf("failed to mark backup %s verified: %w", backupID, err)
	}

	record.VerifiedAt = &verifiedAt
	s.logger.Debug("backup verified",
		zap.String("backup_id", backupID),
		zap.String("state_id", record.StateID),
		zap.Int64("version", record.Version),
	)
	return record, nil
}

// Restore writes a backup's payload as a new version of the target state.
// An empty target restores in place. The target's current live version is
// snapshotted first so the restore itself stays reversible; restoring onto
// a deleted or never-created state is the recovery path and needs no
// snapshot.
func (s *BackupService) Restore(ctx context.Context, backupID, targetStateID, actor string) (*model.StateVersion, error) {
	if actor == "" {
		return nil, apperrors.InvalidArgument("actor cannot be empty", nil)
	}

	record, err := s.Get(ctx, backupID)
	if err != nil {
		return nil, err
	}

	target := targetStateID
	if target == "" {
		target = record.StateID
	}
	ref, err := model.ParseStateID(target)
	if err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}

	// A corrupt backup never restores
	payload, err := s.loadPayload(ctx, record)
	if err != nil {
		return nil, err
	}

	var restored *model.StateVersion
	err = s.locks.WithLock(ctx, target, actor, "restore", func(ctx context.Context, _ *model.LockRecord) error {
		var expected int64
		obj, err := s.objects.GetObject(ctx, target)
		switch {
		case err == nil:
			expected = obj.CurrentVersion
			if !obj.Deleted {
				description := fmt.Sprintf("before restore of backup %s", record.BackupID)
				if _, berr := s.createLocked(ctx, target, description, model.BackupTypePreRestore, actor); berr != nil {
					if !apperrors.IsCode(berr, apperrors.ErrCodeIntegrityViolation) {
						return berr
					}
					// The current version is corrupt; the restore is the
					// repair, so a snapshot of it is not worth blocking on
					s.logger.Error("pre-restore backup skipped, current version is corrupt",
						zap.String("state_id", target),
						zap.Error(berr),
					)
				}
			}
		case apperrors.IsCode(err, apperrors.ErrCodeNotFound):
			expected = 0
		default:
			return err
		}

		restored, err = s.objects.Put(ctx, ref, payload, expected, model.OperationRestore, actor)
		if err != nil {
			return escalateHeldConflict(s.logger, target, "restore", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("backup restored",
		zap.String("backup_id", backupID),
		zap.String("source_state_id", record.StateID),
		zap.String("target_state_id", target),
		zap.Int64("restored_version", restored.Version),
	)
	return restored, nil
}

// Get returns one backup record.
func (s *BackupService) Get(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	if backupID == "" {
		return nil, apperrors.InvalidArgument("backup id cannot be empty", nil)
	}

	record, err := s.backups.Get(ctx, backupID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, apperrors.BackupNotFound(backupID)
		}
		if store.IsTransient(err) {
			return nil, apperrors.Unavailable("backup store unreachable", err)
		}
		return nil, fmt.Errorf("failed to read backup %s: %w", backupID, err)
	}
	return record, nil
}

// List returns backup records newest first. stateID may be empty to list
// across states; the (createdBefore, beforeID) pair is the keyset cursor.
func (s *BackupService) List(ctx context.Context, stateID string, filter model.BackupFilter, limit int, createdBefore time.Time, beforeID string) ([]*model.BackupRecord, error) {
	limit = clampLimit(limit)

	records, err := s.backups.List(ctx, stateID, filter, limit, createdBefore, beforeID)
	if err != nil {
		if store.IsTransient(err) {
			return nil, apperrors.Unavailable("backup store unreachable", err)
		}
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	return records, nil
}

// Export returns the backup's raw payload and its record for external
// archival. The payload is verified against the record before it leaves.
func (s *BackupService) Export(ctx context.Context, backupID string) ([]byte, *model.BackupRecord, error) {
	record, err := s.Get(ctx, backupID)
	if err != nil {
		return nil, nil, err
	}
	payload, err := s.loadPayload(ctx, record)
	if err != nil {
		return nil, nil, err
	}
	return payload, record, nil
}

// Expire removes backups whose retention has lapsed at now, at most limit
// per pass. The last backup of a deleted state survives unless force is
// set. With an archiver configured, payloads are pushed to cold storage
// first and nothing is deleted unarchived.
func (s *BackupService) Expire(ctx context.Context, now time.Time, force bool, limit int) (*ExpireReport, error) {
	if limit <= 0 {
		limit = defaultExpireBatch
	}

	expired, err := s.backups.ListExpired(ctx, now, limit)
	if err != nil {
		if store.IsTransient(err) {
			return nil, apperrors.Unavailable("backup store unreachable", err)
		}
		return nil, fmt.Errorf("failed to list expired backups: %w", err)
	}

	report := &ExpireReport{Scanned: len(expired)}
	for _, record := range expired {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		if !force {
			last, err := s.isLastRecoveryPoint(ctx, record)
			if err != nil {
				report.Failed++
				s.logger.Warn("could not evaluate expiry guard, keeping backup",
					zap.String("backup_id", record.BackupID),
					zap.Error(err),
				)
				continue
			}
			if last {
				report.Skipped++
				s.logger.Debug("keeping last recovery point of deleted state",
					zap.String("backup_id", record.BackupID),
					zap.String("state_id", record.StateID),
				)
				continue
			}
		}

		if s.archiver != nil && record.ArchivedAt == nil {
			if err := s.archive(ctx, record); err != nil {
				report.Failed++
				s.logger.Warn("backup archival failed, keeping record",
					zap.String("backup_id", record.BackupID),
					zap.Error(err),
				)
				continue
			}
			report.Archived++
		}

		if err := s.backups.Delete(ctx, record.BackupID); err != nil && !stderrors.Is(err, store.ErrNotFound) {
			report.Failed++
			s.logger.Warn("failed to delete expired backup",
				zap.String("backup_id", record.BackupID),
				zap.Error(err),
			)
			continue
		}
		report.Expired++
		s.audit(ctx, record.StateID, "expire", sweeperActor, model.AuditResultSuccess, record.Version,
			fmt.Sprintf("backup %s expired", record.BackupID))
	}

	return report, nil
}

// isLastRecoveryPoint reports whether record is the only backup of a
// deleted state.
func (s *BackupService) isLastRecoveryPoint(ctx context.Context, record *model.BackupRecord) (bool, error) {
	obj, err := s.objects.GetObject(ctx, record.StateID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			return false, nil
		}
		return false, err
	}
	if !obj.Deleted {
		return false, nil
	}

	others, err := s.backups.CountOthers(ctx, record.StateID, record.BackupID)
	if err != nil {
		return false, err
	}
	return others == 0, nil
}

// archive pushes the backup payload to cold storage and stamps the record.
func (s *BackupService) archive(ctx context.Context, record *model.BackupRecord) error {
	payload, err := s.loadPayload(ctx, record)
	if err != nil {
		return err
	}

	location, err := s.archiver.Archive(ctx, record, payload)
	if err != nil {
		return fmt.Errorf("failed to archive backup %s: %w", record.BackupID, err)
	}

	archivedAt := time.Now().UTC()
	if err := s.backups.MarkArchived(ctx, record.BackupID, archivedAt, location); err != nil {
		return fmt.Errorf("failed to mark backup %s archived: %w", record.BackupID, err)
	}
	record.ArchivedAt = &archivedAt
	record.ArchiveLocation = location
	return nil
}

// loadPayload reads the referenced version and verifies it against the
// backup record's own checksum. The version row carries its checksum too;
// divergence between the two means the record itself is corrupt.
func (s *BackupService) loadPayload(ctx context.Context, record *model.BackupRecord) ([]byte, error) {
	version, err := s.objects.GetVersion(ctx, record.StateID, record.Version)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			s.logger.Error("backup references a missing version",
				zap.String("backup_id", record.BackupID),
				zap.String("state_id", record.StateID),
				zap.Int64("version", record.Version),
			)
			return nil, apperrors.InternalInconsistency(
				fmt.Sprintf("backup %s references missing version %d of %s", record.BackupID, record.Version, record.StateID)).
				WithDetail("backup_id", record.BackupID)
		}
		return nil, err
	}

	if actual := util.ComputeChecksum(version.Payload); actual != record.Checksum {
		s.logger.Error("backup checksum does not match referenced payload",
			zap.String("backup_id", record.BackupID),
			zap.String("state_id", record.StateID),
			zap.Int64("version", record.Version),
			zap.String("backup_checksum", record.Checksum),
			zap.String("computed_checksum", actual),
		)
		return nil, apperrors.IntegrityViolation(record.StateID, record.Version, record.Checksum, actual).
			WithDetail("backup_id", record.BackupID)
	}
	return version.Payload, nil
}

func (s *BackupService) audit(ctx context.Context, stateID, operation, actor, result string, version int64, detail string) {
	entry := &model.AuditEntry{
		StateID:    stateID,
		Operation:  operation,
		Actor:      actor,
		Result:     result,
		Version:    version,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.audits.Append(auditCtx, entry); err != nil {
		s.logger.Warn("failed to append audit entry",
			zap.String("state_id", stateID),
			zap.String("operation", operation),
			zap.Error(err),
		)
	}
}

func (s *BackupService) expiryFor(typ model.BackupType, createdAt time.Time) *time.Time {
	var retention time.Duration
	switch typ {
	case model.BackupTypeManual, model.BackupTypeScheduled:
		retention = s.manualRetention
	default:
		retention = s.safetyRetention
	}
	if retention <= 0 {
		return nil
	}
	expires := createdAt.Add(retention)
	return &expires
}
