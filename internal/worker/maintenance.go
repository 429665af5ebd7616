package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/repository"
	"github.com/notifyhub/push-delivery/internal/tokens"
)

// SchedulerWorker cancels scheduled notifications whose expiry passed
// before they became due. Due scheduled rows need no handoff: the lease
// query picks them up as soon as scheduleAt ≤ now.
type SchedulerWorker struct {
	repo     repository.NotificationRepository
	interval time.Duration
	logger   *zap.Logger
}

func NewSchedulerWorker(repo repository.NotificationRepository, interval time.Duration, logger *zap.Logger) *SchedulerWorker {
	return &SchedulerWorker{repo: repo, interval: interval, logger: logger}
}

func (sw *SchedulerWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	sw.logger.Info("scheduler worker started", zap.Duration("interval", sw.interval))

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("scheduler worker stopping")
			return
		case <-ticker.C:
			cancelled, err := sw.repo.CancelExpiredScheduled(ctx, time.Now().UTC())
			if err != nil {
				sw.logger.Error("expired-scheduled sweep failed", zap.Error(err))
				continue
			}
			if cancelled > 0 {
				sw.logger.Info("cancelled expired scheduled notifications",
					zap.Int64("count", cancelled))
			}
		}
	}
}

// RetryWorker returns stale failed notifications to the lease pool.
// Because retry state is persisted, retries survive process restarts.
type RetryWorker struct {
	repo        repository.NotificationRepository
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
}

func NewRetryWorker(repo repository.NotificationRepository, interval time.Duration, maxAttempts int, logger *zap.Logger) *RetryWorker {
	return &RetryWorker{repo: repo, interval: interval, maxAttempts: maxAttempts, logger: logger}
}

func (rw *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()
	rw.logger.Info("retry worker started", zap.Duration("interval", rw.interval))

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("retry worker stopping")
			return
		case <-ticker.C:
			swept, err := rw.repo.SweepFailedForRetry(ctx,
				time.Now().UTC().Add(-rw.interval), rw.maxAttempts)
			if err != nil {
				rw.logger.Error("retry sweep failed", zap.Error(err))
				continue
			}
			if swept > 0 {
				rw.logger.Info("returned failed notifications to the pool",
					zap.Int64("count", swept))
			}
		}
	}
}

// ArchiverSettings bound one archiver run.
type ArchiverSettings struct {
	Interval   time.Duration
	AfterDays  int
	BatchSize  int
	MaxRecords int
	DryRun     bool
}

// maxArchiveBatches caps one run regardless of MaxRecords.
const maxArchiveBatches = 100

// Archiver moves old notifications into the archive tables and prunes
// expired auxiliary rows (delivery log, idempotency records, devices).
type Archiver struct {
	settings      ArchiverSettings
	notifications repository.NotificationRepository
	groups        repository.GroupRepository
	deliveryLog   repository.DeliveryLogRepository
	idempotency   repository.IdempotencyRepository
	lifecycle     *tokens.Lifecycle
	inactiveDays  int
	deleteDays    int
	logger        *zap.Logger
}

func NewArchiver(
	settings ArchiverSettings,
	notifications repository.NotificationRepository,
	groups repository.GroupRepository,
	deliveryLog repository.DeliveryLogRepository,
	idempotency repository.IdempotencyRepository,
	lifecycle *tokens.Lifecycle,
	inactiveDays, deleteDays int,
	logger *zap.Logger,
) *Archiver {
	return &Archiver{
		settings:      settings,
		notifications: notifications,
		groups:        groups,
		deliveryLog:   deliveryLog,
		idempotency:   idempotency,
		lifecycle:     lifecycle,
		inactiveDays:  inactiveDays,
		deleteDays:    deleteDays,
		logger:        logger,
	}
}

func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.settings.Interval)
	defer ticker.Stop()
	a.logger.Info("archiver started",
		zap.Duration("interval", a.settings.Interval),
		zap.Int("afterDays", a.settings.AfterDays),
		zap.Bool("dryRun", a.settings.DryRun))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopping")
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single archive pass. Exported for tests and for
// operational one-shot runs.
func (a *Archiver) RunOnce(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -a.settings.AfterDays)

	if a.settings.DryRun {
		a.logger.Info("archiver dry run, skipping writes",
			zap.Time("cutoff", cutoff))
		return
	}

	var total int64
	for batch := 0; batch < maxArchiveBatches && total < int64(a.settings.MaxRecords); batch++ {
		if ctx.Err() != nil {
			return
		}
		moved, err := a.notifications.ArchiveOlderThan(ctx, cutoff, a.settings.BatchSize)
		if err != nil {
			a.logger.Error("notification archive batch failed", zap.Error(err))
			break
		}
		total += moved
		if moved < int64(a.settings.BatchSize) {
			break
		}
	}

	groupsMoved, err := a.groups.ArchiveOlderThan(ctx, cutoff, a.settings.BatchSize)
	if err != nil {
		a.logger.Error("group archive failed", zap.Error(err))
	}
	logDeleted, err := a.deliveryLog.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		a.logger.Error("delivery log prune failed", zap.Error(err))
	}
	idemDeleted, err := a.idempotency.DeleteExpired(ctx, now)
	if err != nil {
		a.logger.Error("idempotency prune failed", zap.Error(err))
	}
	if _, _, err := a.lifecycle.CleanupStaleTokens(ctx, a.inactiveDays, a.deleteDays); err != nil {
		a.logger.Error("stale token cleanup failed", zap.Error(err))
	}

	a.logger.Info("archive pass finished",
		zap.Int64("notificationsArchived", total),
		zap.Int64("groupsArchived", groupsMoved),
		zap.Int64("deliveryLogPruned", logDeleted),
		zap.Int64("idempotencyPruned", idemDeleted))
}
