package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/config"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/metrics"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
)

// sweepPageSize bounds one state-listing page during a prune pass.
const sweepPageSize = 200

// RetentionService prunes old version rows and expires backups in the
// background. Sweeps take no locks: the prune statement re-checks every
// guard itself, and backup expiry only touches lapsed records.
type RetentionService struct {
	objects *ObjectService
	backups *BackupService
	metrics *metrics.Metrics
	logger  *zap.Logger

	sweepInterval   time.Duration
	concurrency     int
	maxVersions     int
	maxVersionAge   time.Duration
	expireBatchSize int
	expireForce     bool

	stopCh chan struct{}
}

// NewRetentionService creates a new retention service
func NewRetentionService(objects *ObjectService, backups *BackupService, m *metrics.Metrics, cfg config.RetentionConfig, expireForce bool, logger *zap.Logger) *RetentionService {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute // Default: 5 minutes
	}
	concurrency := cfg.SweepConcurrency
	if concurrency <= 0 {
		concurrency = 4 // Default: 4 states at a time
	}

	return &RetentionService{
		objects:         objects,
		backups:         backups,
		metrics:         m,
		logger:          logger,
		sweepInterval:   interval,
		concurrency:     concurrency,
		maxVersions:     cfg.MaxVersions,
		maxVersionAge:   cfg.MaxVersionAge,
		expireBatchSize: cfg.ExpireBatchSize,
		expireForce:     expireForce,
		stopCh:          make(chan struct{}),
	}
}

// Start begins the background sweep loop
func (s *RetentionService) Start() {
	s.logger.Info("Starting retention service",
		zap.Duration("sweep_interval", s.sweepInterval),
		zap.Int("concurrency", s.concurrency),
		zap.Int("max_versions", s.maxVersions),
		zap.Duration("max_version_age", s.maxVersionAge))

	ticker := time.NewTicker(s.sweepInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the sweep loop. A sweep already in flight finishes its cycle.
func (s *RetentionService) Stop() {
	close(s.stopCh)
	s.logger.Info("Retention service stopped")
}

// Sweep runs one full retention cycle: prune version history, then expire
// backups. Exposed so operators can trigger a cycle on demand.
func (s *RetentionService) Sweep() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.sweepInterval)
	defer cancel()

	pruned, pruneFailures := s.pruneAll(ctx)

	report, err := s.backups.Expire(ctx, time.Now().UTC(), s.expireForce, s.expireBatchSize)
	if err != nil {
		s.logger.Warn("backup expiry pass failed", zap.Error(err))
		report = &ExpireReport{}
		pruneFailures++
	}

	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordSweep(duration, pruned, report.Expired, report.Archived, report.Failed+pruneFailures)
	}
	s.logger.Info("Retention sweep completed",
		zap.Duration("duration", duration),
		zap.Int64("pruned_versions", pruned),
		zap.Int("expired_backups", report.Expired),
		zap.Int("archived_backups", report.Archived),
		zap.Int("skipped_backups", report.Skipped),
		zap.Int("failures", report.Failed+pruneFailures))
}

// pruneAll walks every state object and prunes its prunable history rows,
// fanning states out across a bounded worker group.
func (s *RetentionService) pruneAll(ctx context.Context) (int64, int) {
	if s.maxVersions <= 0 {
		return 0, 0
	}

	// Zero age means prune by count alone
	olderThan := time.Now().UTC()
	if s.maxVersionAge > 0 {
		olderThan = olderThan.Add(-s.maxVersionAge)
	}

	var totalPruned int64
	failures := 0
	afterID := ""

	for {
		objects, err := s.objects.ListObjects(ctx, model.ObjectFilter{IncludeDeleted: true}, sweepPageSize, afterID)
		if err != nil {
			s.logger.Warn("failed to list states for pruning", zap.Error(err))
			return totalPruned, failures + 1
		}
		if len(objects) == 0 {
			return totalPruned, failures
		}

		// One stuck state must not abort the page, so workers report
		// through the slices instead of failing the group
		results := make([]int64, len(objects))
		failed := make([]bool, len(objects))
		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for i, obj := range objects {
			g.Go(func() error {
				pruned, err := s.objects.PruneVersions(ctx, obj.ID, s.maxVersions, olderThan)
				if err != nil {
					s.logger.Warn("failed to prune state versions",
						zap.String("state_id", obj.ID),
						zap.Error(err))
					failed[i] = true
					return nil
				}
				results[i] = pruned
				return nil
			})
		}
		_ = g.Wait()
		for i, pruned := range results {
			totalPruned += pruned
			if failed[i] {
				failures++
			}
		}

		if len(objects) < sweepPageSize {
			return totalPruned, failures
		}
		afterID = objects[len(objects)-1].ID
	}
}
