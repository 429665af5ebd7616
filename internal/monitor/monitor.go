// Package monitor samples process and pipeline health into the metrics
// registry on a fixed interval.
package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/metrics"
	"github.com/notifyhub/push-delivery/internal/repository"
	"github.com/notifyhub/push-delivery/internal/stampede"
)

// swrMemoryMaxAge bounds the stampede guard's in-process cache; entries
// older than this are dropped on every sample.
const swrMemoryMaxAge = 30 * time.Minute

// Monitor periodically publishes gauges that have no natural event to hook:
// queue lag, stored-row counts, outbox depth, pool and runtime stats.
type Monitor struct {
	interval      time.Duration
	metrics       *metrics.Metrics
	pool          *pgxpool.Pool
	notifications repository.NotificationRepository
	outbox        repository.OutboxRepository
	guard         *stampede.Guard
	logger        *zap.Logger
}

func New(
	interval time.Duration,
	m *metrics.Metrics,
	pool *pgxpool.Pool,
	notifications repository.NotificationRepository,
	outbox repository.OutboxRepository,
	guard *stampede.Guard,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		interval:      interval,
		metrics:       m,
		pool:          pool,
		notifications: notifications,
		outbox:        outbox,
		guard:         guard,
		logger:        logger,
	}
}

func (mo *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()
	mo.logger.Info("resource monitor started", zap.Duration("interval", mo.interval))

	for {
		select {
		case <-ctx.Done():
			mo.logger.Info("resource monitor stopping")
			return
		case <-ticker.C:
			mo.Sample(ctx)
		}
	}
}

// Sample takes one reading. Exported for tests.
func (mo *Monitor) Sample(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	mo.metrics.HeapInUseBytes.Set(float64(ms.HeapInuse))
	mo.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	if mo.pool != nil {
		stat := mo.pool.Stat()
		mo.metrics.DBConnsAcquired.Set(float64(stat.AcquiredConns()))
		mo.metrics.DBConnsIdle.Set(float64(stat.IdleConns()))
	}

	counts, err := mo.notifications.CountByStatus(ctx)
	if err != nil {
		mo.logger.Warn("status count sample failed", zap.Error(err))
	} else {
		for status, count := range counts {
			mo.metrics.NotificationsBy.WithLabelValues(string(status)).Set(float64(count))
		}
	}

	oldest, err := mo.notifications.OldestPendingCreatedAt(ctx)
	switch {
	case err != nil:
		mo.logger.Warn("queue lag sample failed", zap.Error(err))
	case oldest == nil:
		mo.metrics.QueueLag.Set(0)
	default:
		mo.metrics.QueueLag.Set(time.Since(*oldest).Seconds())
	}

	pending, dead, err := mo.outbox.Stats(ctx)
	if err != nil {
		mo.logger.Warn("outbox stats sample failed", zap.Error(err))
	} else {
		mo.metrics.OutboxPending.Set(float64(pending))
		mo.metrics.OutboxDead.Set(float64(dead))
	}

	if mo.guard != nil {
		mo.guard.Expire(swrMemoryMaxAge)
	}
}
