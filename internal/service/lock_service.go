package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/tristanaburns/iac-agent-engine-sub006/internal/errors"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/store"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/util"
)

// releaseTimeout bounds the release call that runs after the guarded work
// finished, possibly with an already-cancelled caller context.
const releaseTimeout = 5 * time.Second

// LockService manages lease locks over the lock store. Leases expire on
// their own, so a crashed holder never wedges a state; the credential for
// renew and release is the lock ID, not the holder name.
type LockService struct {
	locks       store.LockStore
	ttl         time.Duration
	acquireWait time.Duration
	backoff     util.Backoff
	logger      *zap.Logger
}

// NewLockService creates a new lock service
func NewLockService(locks store.LockStore, ttl, acquireWait time.Duration, backoff util.Backoff, logger *zap.Logger) *LockService {
	if ttl <= 0 {
		ttl = 30 * time.Second // Default lease
	}
	if backoff.Base <= 0 {
		backoff.Base = 100 * time.Millisecond
	}

	return &LockService{
		locks:       locks,
		ttl:         ttl,
		acquireWait: acquireWait,
		backoff:     backoff,
		logger:      logger,
	}
}

// TTL returns the default lease duration
func (s *LockService) TTL() time.Duration {
	return s.ttl
}

// Acquire takes the lease or fails fast with LockConflict. A zero ttl uses
// the configured default.
func (s *LockService) Acquire(ctx context.Context, stateID, holder, operation string, ttl time.Duration) (*model.LockRecord, error) {
	if holder == "" {
		return nil, apperrors.InvalidArgument("lock holder cannot be empty", nil)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	var lastHolder *model.LockRecord

	// A lease can expire between the failed SET and the conflict read;
	// one more attempt claims it without waiting a full backoff cycle.
	for attempt := 0; attempt < 2; attempt++ {
		now := time.Now().UTC()
		record := &model.LockRecord{
			LockID:     uuid.New().String(),
			StateID:    stateID,
			Holder:     holder,
			Operation:  operation,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}

		acquired, current, err := s.locks.TryAcquire(ctx, record, ttl)
		if err != nil {
			if store.IsTransient(err) {
				return nil, apperrors.Unavailable("lock store unreachable", err)
			}
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		if acquired {
			if lastHolder != nil {
				s.logger.Warn("acquired lock after previous lease expired",
					zap.String("state_id", stateID),
					zap.String("previous_holder", lastHolder.Holder),
					zap.String("holder", holder),
				)
			} else {
				s.logger.Debug("lock acquired",
					zap.String("state_id", stateID),
					zap.String("lock_id", record.LockID),
					zap.String("holder", holder),
					zap.String("operation", operation),
				)
			}
			return record, nil
		}

		if current == nil {
			// Lease vanished mid-check; retry immediately
			continue
		}
		return nil, apperrors.LockConflict(stateID, current.Holder, current.Operation, current.ExpiresAt)
	}

	return nil, apperrors.LockConflict(stateID, "", "", time.Time{}).
		WithDetail("reason", "lease contended during acquisition")
}

// AcquireWait polls Acquire with backoff until the lease is taken, the
// context is cancelled, or maxWait elapses. Cancellation returns ctx.Err()
// with nothing acquired.
func (s *LockService) AcquireWait(ctx context.Context, stateID, holder, operation string, ttl, maxWait time.Duration) (*model.LockRecord, error) {
	if maxWait <= 0 {
		maxWait = s.acquireWait
	}
	deadline := time.Now().Add(maxWait)

	for attempt := 0; ; attempt++ {
		record, err := s.Acquire(ctx, stateID, holder, operation, ttl)
		if err == nil {
			return record, nil
		}
		if !apperrors.IsCode(err, apperrors.ErrCodeLockConflict) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			s.logger.Debug("lock wait exhausted",
				zap.String("state_id", stateID),
				zap.String("holder", holder),
				zap.Duration("waited", maxWait),
			)
			return nil, apperrors.LockUnavailable(stateID, maxWait)
		}

		delay := s.backoff.Delay(attempt)
		if remaining := time.Until(deadline); delay > remaining {
			delay = remaining
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Renew extends the lease to now+ttl if lockID still holds it. A holder
// that missed its expiry cannot renew and must re-acquire.
func (s *LockService) Renew(ctx context.Context, stateID, lockID string, ttl time.Duration) (*model.LockRecord, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}

	record, err := s.locks.Renew(ctx, stateID, lockID, time.Now().UTC().Add(ttl), ttl)
	if err != nil {
		switch {
		case err == store.ErrNotFound || err == store.ErrLockMismatch:
			s.logger.Warn("lock renewal rejected",
				zap.String("state_id", stateID),
				zap.String("lock_id", lockID),
				zap.Error(err),
			)
			return nil, apperrors.NotHolder(stateID, lockID)
		case store.IsTransient(err):
			return nil, apperrors.Unavailable("lock store unreachable", err)
		default:
			return nil, fmt.Errorf("failed to renew lock: %w", err)
		}
	}
	return record, nil
}

// Release gives up the lease if lockID still holds it. Releasing an
// expired or reassigned lease reports NotHolder.
func (s *LockService) Release(ctx context.Context, stateID, lockID string) error {
	err := s.locks.Release(ctx, stateID, lockID)
	if err != nil {
		switch {
		case err == store.ErrNotFound || err == store.ErrLockMismatch:
			return apperrors.NotHolder(stateID, lockID)
		case store.IsTransient(err):
			return apperrors.Unavailable("lock store unreachable", err)
		default:
			return fmt.Errorf("failed to release lock: %w", err)
		}
	}

	s.logger.Debug("lock released",
		zap.String("state_id", stateID),
		zap.String("lock_id", lockID),
	)
	return nil
}

// Status reads the current lease without touching it. Returns nil when
// unlocked.
func (s *LockService) Status(ctx context.Context, stateID string) (*model.LockRecord, error) {
	record, err := s.locks.Get(ctx, stateID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		if store.IsTransient(err) {
			return nil, apperrors.Unavailable("lock store unreachable", err)
		}
		return nil, fmt.Errorf("failed to read lock status: %w", err)
	}
	return record, nil
}

// WithLock runs fn while holding the lease on stateID, renewing it in the
// background at a third of the TTL. The lease is always released when fn
// returns, including on panic; if a renewal fails, fn's context is
// cancelled so work never continues past lease loss.
func (s *LockService) WithLock(ctx context.Context, stateID, holder, operation string, fn func(ctx context.Context, lock *model.LockRecord) error) error {
	lock, err := s.AcquireWait(ctx, stateID, holder, operation, s.ttl, s.acquireWait)
	if err != nil {
		return err
	}

	lockCtx, cancel := context.WithCancel(ctx)
	stopRenew := make(chan struct{})
	renewStopped := make(chan struct{})

	go s.keepalive(lockCtx, lock, cancel, stopRenew, renewStopped)

	defer func() {
		close(stopRenew)
		<-renewStopped
		cancel()

		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer releaseCancel()
		if rerr := s.Release(releaseCtx, stateID, lock.LockID); rerr != nil && !apperrors.IsCode(rerr, apperrors.ErrCodeNotHolder) {
			s.logger.Warn("failed to release lock",
				zap.String("state_id", stateID),
				zap.String("lock_id", lock.LockID),
				zap.Error(rerr),
			)
		}
	}()

	return fn(lockCtx, lock)
}

// keepalive renews the lease until stopped. Renewal failure cancels the
// guarded context.
func (s *LockService) keepalive(ctx context.Context, lock *model.LockRecord, cancel context.CancelFunc, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	interval := s.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Renew(ctx, lock.StateID, lock.LockID, s.ttl); err != nil {
				s.logger.Error("lease renewal failed, cancelling guarded work",
					zap.String("state_id", lock.StateID),
					zap.String("lock_id", lock.LockID),
					zap.Error(err),
				)
				cancel()
				return
			}
		}
	}
}
