package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/tristanaburns/iac-agent-engine-sub006/internal/errors"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/store"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ObjectService owns versioned state payloads. Writes go through the
// store's compare-and-set in one transaction; reads re-verify the stored
// checksum before returning any payload.
type ObjectService struct {
	objects         store.ObjectStore
	audits          store.AuditStore
	maxPayloadBytes int64
	readAttempts    int
	backoff         util.Backoff
	logger          *zap.Logger
}

// NewObjectService creates a new object service
func NewObjectService(objects store.ObjectStore, audits store.AuditStore, maxPayloadBytes int64, logger *zap.Logger) *ObjectService {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 16 << 20 // Default: 16 MiB
	}

	return &ObjectService{
		objects:         objects,
		audits:          audits,
		maxPayloadBytes: maxPayloadBytes,
		readAttempts:    3,
		backoff:         util.Backoff{Base: 50 * time.Millisecond, Cap: 500 * time.Millisecond},
		logger:          logger,
	}
}

// ValidatePayload rejects oversized payloads before any store access.
func (s *ObjectService) ValidatePayload(payload []byte) error {
	if int64(len(payload)) > s.maxPayloadBytes {
		return apperrors.PayloadTooLarge(int64(len(payload)), s.maxPayloadBytes)
	}
	return nil
}

// Put appends a new version at expectedVersion+1. expectedVersion 0 creates
// the object; any other value must match the current pointer exactly. The
// checksum is always computed here, never taken from the caller.
func (s *ObjectService) Put(ctx context.Context, ref model.StateRef, payload []byte, expectedVersion int64, operation model.Operation, actor string) (*model.StateVersion, error) {
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	if actor == "" {
		return nil, apperrors.InvalidArgument("actor cannot be empty", nil)
	}
	if !model.ValidOperation(operation) {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unknown operation %q", operation), nil)
	}
	if len(payload) == 0 && operation != model.OperationDelete {
		return nil, apperrors.InvalidArgument("payload cannot be empty", nil)
	}
	if expectedVersion < 0 {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("expected version cannot be negative: %d", expectedVersion), nil)
	}
	if err := s.ValidatePayload(payload); err != nil {
		return nil, err
	}

	stateID := ref.ID()
	checksum := util.ComputeChecksum(payload)

	version, err := s.objects.PutVersion(ctx, ref, payload, checksum, expectedVersion, operation, actor)
	if err != nil {
		var conflict *store.VersionConflictError
		switch {
		case stderrors.As(err, &conflict):
			mapped := apperrors.VersionConflict(stateID, conflict.Expected, conflict.Current)
			s.auditFailure(ctx, stateID, operation, actor, expectedVersion, mapped)
			return nil, mapped
		case stderrors.Is(err, store.ErrNotFound):
			mapped := apperrors.StateNotFound(stateID)
			s.auditFailure(ctx, stateID, operation, actor, expectedVersion, mapped)
			return nil, mapped
		case store.IsTransient(err):
			return nil, apperrors.Unavailable("object store unreachable", err)
		default:
			mapped := fmt.Errorf("failed to write state %s: %w", stateID, err)
			s.auditFailure(ctx, stateID, operation, actor, expectedVersion, mapped)
			return nil, mapped
		}
	}

	s.logger.Debug("state version written",
		zap.String("state_id", stateID),
		zap.Int64("version", version.Version),
		zap.String("operation", string(operation)),
		zap.Int64("size", version.Size),
	)
	return version, nil
}

// Get returns the latest version with its payload. Deleted states read as
// not found; use GetVersion for their history.
func (s *ObjectService) Get(ctx context.Context, stateID string) (*model.StateVersion, error) {
	var version *model.StateVersion
	err := s.retryRead(ctx, func() error {
		var err error
		version, err = s.objects.GetCurrentVersion(ctx, stateID)
		return err
	})
	if err != nil {
		return nil, s.mapReadError(err, apperrors.StateNotFound(stateID))
	}
	if err := s.verifyPayload(version); err != nil {
		return nil, err
	}
	return version, nil
}

// GetVersion returns one historical version with its payload. Versions of
// deleted states stay readable.
func (s *ObjectService) GetVersion(ctx context.Context, stateID string, version int64) (*model.StateVersion, error) {
	if version <= 0 {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("version must be positive: %d", version), nil)
	}

	var sv *model.StateVersion
	err := s.retryRead(ctx, func() error {
		var err error
		sv, err = s.objects.GetVersion(ctx, stateID, version)
		return err
	})
	if err != nil {
		return nil, s.mapReadError(err, apperrors.VersionNotFound(stateID, version))
	}
	if err := s.verifyPayload(sv); err != nil {
		return nil, err
	}
	return sv, nil
}

// ListVersions returns version metadata newest first. beforeVersion 0 starts
// at the latest; otherwise the page starts strictly below it.
func (s *ObjectService) ListVersions(ctx context.Context, stateID string, limit int, beforeVersion int64) ([]model.VersionInfo, error) {
	limit = clampLimit(limit)

	var versions []model.VersionInfo
	err := s.retryRead(ctx, func() error {
		var err error
		versions, err = s.objects.ListVersions(ctx, stateID, limit, beforeVersion)
		return err
	})
	if err != nil {
		return nil, s.mapReadError(err, apperrors.StateNotFound(stateID))
	}

	// Distinguish an empty page from a state that never existed
	if len(versions) == 0 && beforeVersion == 0 {
		if _, err := s.GetObject(ctx, stateID); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

// Delete appends a tombstone version through the same optimistic path and
// marks the object deleted. History stays readable.
func (s *ObjectService) Delete(ctx context.Context, ref model.StateRef, actor string) (*model.StateVersion, error) {
	if err := ref.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err.Error(), nil)
	}
	stateID := ref.ID()

	obj, err := s.GetObject(ctx, stateID)
	if err != nil {
		return nil, err
	}
	if obj.Deleted {
		return nil, apperrors.StateNotFound(stateID).WithDetail("deleted", true)
	}

	version, err := s.Put(ctx, ref, nil, obj.CurrentVersion, model.OperationDelete, actor)
	if err != nil {
		return nil, err
	}

	s.logger.Info("state deleted",
		zap.String("state_id", stateID),
		zap.Int64("tombstone_version", version.Version),
		zap.String("actor", actor),
	)
	return version, nil
}

// GetObject returns the current pointer and metadata, including deleted
// objects.
func (s *ObjectService) GetObject(ctx context.Context, stateID string) (*model.StateObject, error) {
	var obj *model.StateObject
	err := s.retryRead(ctx, func() error {
		var err error
		obj, err = s.objects.GetObject(ctx, stateID)
		return err
	})
	if err != nil {
		return nil, s.mapReadError(err, apperrors.StateNotFound(stateID))
	}
	return obj, nil
}

// ListObjects enumerates state objects matching the filter, ordered by
// canonical ID with keyset pagination.
func (s *ObjectService) ListObjects(ctx context.Context, filter model.ObjectFilter, limit int, afterID string) ([]*model.StateObject, error) {
	limit = clampLimit(limit)

	var objects []*model.StateObject
	err := s.retryRead(ctx, func() error {
		var err error
		objects, err = s.objects.ListObjects(ctx, filter, limit, afterID)
		return err
	})
	if err != nil {
		if store.IsTransient(err) {
			return nil, apperrors.Unavailable("object store unreachable", err)
		}
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	return objects, nil
}

// PruneVersions removes prunable history rows for one state. The store
// statement re-checks the guards (current version, newest keepNewest,
// backup references), so pruning is safe without a lock.
func (s *ObjectService) PruneVersions(ctx context.Context, stateID string, keepNewest int, olderThan time.Time) (int64, error) {
	pruned, err := s.objects.PruneVersions(ctx, stateID, keepNewest, olderThan)
	if err != nil {
		if store.IsTransient(err) {
			return 0, apperrors.Unavailable("object store unreachable", err)
		}
		return 0, fmt.Errorf("failed to prune versions for %s: %w", stateID, err)
	}
	return pruned, nil
}

// verifyPayload recomputes the checksum before the payload leaves the
// engine. A mismatch means stored data corrupted after commit; it is never
// repaired silently.
func (s *ObjectService) verifyPayload(v *model.StateVersion) error {
	actual := util.ComputeChecksum(v.Payload)
	if actual != v.Checksum {
		s.logger.Error("stored checksum does not match payload",
			zap.String("state_id", v.StateID),
			zap.Int64("version", v.Version),
			zap.String("stored_checksum", v.Checksum),
			zap.String("computed_checksum", actual),
		)
		return apperrors.IntegrityViolation(v.StateID, v.Version, v.Checksum, actual)
	}
	return nil
}

func (s *ObjectService) retryRead(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, s.readAttempts, s.backoff, store.IsTransient, fn)
}

func (s *ObjectService) mapReadError(err error, notFound *apperrors.StateError) error {
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		return notFound
	case store.IsTransient(err):
		return apperrors.Unavailable("object store unreachable", err)
	default:
		return fmt.Errorf("failed to read state: %w", err)
	}
}

// auditFailure records a failed mutation outside the mutation transaction.
// The parent context may already be cancelled; the entry is written on a
// detached context so the failure still lands in the log.
func (s *ObjectService) auditFailure(ctx context.Context, stateID string, operation model.Operation, actor string, version int64, cause error) {
	entry := &model.AuditEntry{
		StateID:    stateID,
		Operation:  string(operation),
		Actor:      actor,
		Result:     apperrors.GetCode(cause).String(),
		Version:    version,
		Detail:     cause.Error(),
		OccurredAt: time.Now().UTC(),
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.audits.Append(auditCtx, entry); err != nil {
		s.logger.Warn("failed to append audit entry",
			zap.String("state_id", stateID),
			zap.String("operation", string(operation)),
			zap.Error(err),
		)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
