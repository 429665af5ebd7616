package worker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/breaker"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/gateway"
	"github.com/notifyhub/push-delivery/internal/repository"
	"github.com/notifyhub/push-delivery/internal/tokens"
)

// MetricHooks carries the metric callbacks injected by main. Using a
// struct keeps the pool constructor signature clean.
type MetricHooks struct {
	OnLeased      func(count int)
	OnDelivered   func(platform domain.Platform, latency time.Duration)
	OnFailed      func(platform domain.Platform)
	OnRescheduled func(reason string)
}

func (h MetricHooks) withDefaults() MetricHooks {
	if h.OnLeased == nil {
		h.OnLeased = func(int) {}
	}
	if h.OnDelivered == nil {
		h.OnDelivered = func(domain.Platform, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.Platform) {}
	}
	if h.OnRescheduled == nil {
		h.OnRescheduled = func(string) {}
	}
	return h
}

// Settings are the pool's tunables, lifted from config.
type Settings struct {
	WorkerCount  int
	BatchSize    int
	LockTTL      time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryCap     time.Duration
}

// Pool runs the delivery workers. Workers coordinate exclusively through
// store leases, so multiple processes can run pools against the same
// store.
type Pool struct {
	settings  Settings
	workers   []*Worker
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// NewPool builds one worker per slot. Every worker gets a globally
// unique identity so lease ownership survives process restarts and
// horizontal scale-out.
func NewPool(
	settings Settings,
	notifications repository.NotificationRepository,
	devices repository.DeviceRepository,
	prefs repository.PreferencesRepository,
	gateways map[domain.Platform]gateway.Gateway,
	breakers map[string]*breaker.Breaker,
	lifecycle *tokens.Lifecycle,
	deliveryLog repository.DeliveryLogRepository,
	outboxRepo repository.OutboxRepository,
	logger *zap.Logger,
	hooks MetricHooks,
) *Pool {
	hooks = hooks.withDefaults()
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	base := fmt.Sprintf("%s-%d-%04x", host, os.Getpid(), rand.Intn(0x10000))

	workers := make([]*Worker, settings.WorkerCount)
	for i := range workers {
		id := fmt.Sprintf("%s-w%d", base, i)
		workers[i] = &Worker{
			id:            id,
			index:         i,
			settings:      settings,
			notifications: notifications,
			devices:       devices,
			prefs:         prefs,
			gateways:      gateways,
			breakers:      breakers,
			lifecycle:     lifecycle,
			deliveryLog:   deliveryLog,
			outboxRepo:    outboxRepo,
			logger:        logger.With(zap.String("workerId", id)),
			hooks:         hooks,
			now:           func() time.Time { return time.Now().UTC() },
		}
	}
	return &Pool{settings: settings, workers: workers, logger: logger}
}

// Start launches all workers. Cancelling ctx drains them; each worker
// releases its remaining leases on the way out.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("delivery pool starting",
		zap.Int("workers", len(p.workers)),
		zap.Int("batchSize", p.settings.BatchSize),
		zap.Duration("lockTtl", p.settings.LockTTL))
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.Info("delivery pool stopped")
}
