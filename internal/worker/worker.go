package worker

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/breaker"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/gateway"
	"github.com/notifyhub/push-delivery/internal/outbox"
	"github.com/notifyhub/push-delivery/internal/quiethours"
	"github.com/notifyhub/push-delivery/internal/repository"
	"github.com/notifyhub/push-delivery/internal/tokens"
)

// circuitDeferral is how far a lease is pushed out when the gateway
// breaker is open. The deferral does not charge an attempt.
const circuitDeferral = 5 * time.Minute

// Worker leases batches of due notifications and drives them through the
// gateways. Only the holder of an unexpired lease may mutate delivery
// state; a crashed worker's leases expire and are re-claimed by peers.
type Worker struct {
	id            string
	index         int
	settings      Settings
	notifications repository.NotificationRepository
	devices       repository.DeviceRepository
	prefs         repository.PreferencesRepository
	gateways      map[domain.Platform]gateway.Gateway
	breakers      map[string]*breaker.Breaker
	lifecycle     *tokens.Lifecycle
	deliveryLog   repository.DeliveryLogRepository
	outboxRepo    repository.OutboxRepository
	logger        *zap.Logger
	hooks         MetricHooks
	now           func() time.Time
}

// Run polls for leases until ctx is cancelled. Start times are staggered
// across the pool so workers do not thundering-herd the lease query.
func (w *Worker) Run(ctx context.Context) {
	stagger := time.Duration(w.index) * w.settings.PollInterval / time.Duration(max(w.settings.WorkerCount, 1))
	select {
	case <-ctx.Done():
		return
	case <-time.After(stagger):
	}

	w.logger.Info("delivery worker started")
	ticker := time.NewTicker(w.settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	released, err := w.notifications.ReleaseWorkerLeases(ctx, w.id)
	if err != nil {
		w.logger.Error("lease release on shutdown failed", zap.Error(err))
		return
	}
	if released > 0 {
		w.logger.Info("released leases on shutdown", zap.Int64("count", released))
	}
}

func (w *Worker) tick(ctx context.Context) {
	leased, err := w.notifications.LeaseBatch(ctx, w.id,
		w.settings.BatchSize, w.settings.LockTTL, w.settings.MaxAttempts)
	if err != nil {
		w.logger.Error("lease acquisition failed", zap.Error(err))
		return
	}
	if len(leased) == 0 {
		return
	}
	w.hooks.OnLeased(len(leased))

	for _, n := range leased {
		if ctx.Err() != nil {
			return
		}
		w.Process(ctx, n)
	}
}

// Process runs one leased notification through quiet hours, device
// snapshot reconciliation, and per-platform gateway dispatch. Exported
// for the scheduler loop and tests.
func (w *Worker) Process(ctx context.Context, n *domain.Notification) {
	now := w.now()
	logger := w.logger.With(
		zap.String("notificationId", n.ID),
		zap.String("userId", n.UserID))

	if !quiethours.IsUrgent(n.Category, n.Priority, n.Urgent) {
		prefs, err := w.prefs.GetOrCreate(ctx, n.UserID)
		if err != nil {
			logger.Error("preference load failed, delivering anyway", zap.Error(err))
		} else if res, err := quiethours.Check(prefs, now); err == nil && res.IsQuiet {
			if err := w.notifications.Reschedule(ctx, n.ID, domain.StatusScheduled, res.NextAvailableAt); err != nil {
				logger.Error("quiet-hours reschedule failed", zap.Error(err))
				return
			}
			w.hooks.OnRescheduled("quiet-hours")
			logger.Debug("deferred for quiet hours",
				zap.Time("nextAvailableAt", res.NextAvailableAt))
			return
		}
	}

	active, err := w.devices.FindActiveByUser(ctx, n.UserID)
	if err != nil {
		logger.Error("device load failed", zap.Error(err))
		return // lease expires, a peer retries
	}
	if len(active) == 0 {
		if err := w.notifications.MarkFailed(ctx, n.ID, "no-devices"); err != nil {
			logger.Error("mark failed errored", zap.Error(err))
		}
		return
	}
	byID := make(map[string]*domain.Device, len(active))
	for _, d := range active {
		byID[d.ID] = d
	}

	// Reconcile the stored device snapshot: deactivated devices fail,
	// still-pending ones partition by platform for dispatch.
	partitions := make(map[domain.Platform][]int)
	for i := range n.Devices {
		entry := &n.Devices[i]
		if entry.Status != domain.DevicePending && entry.Status != domain.DeviceFailed {
			continue
		}
		if _, ok := byID[entry.DeviceID]; !ok {
			failDevice(entry, "device-inactive")
			continue
		}
		entry.Status = domain.DevicePending
		partitions[entry.Platform] = append(partitions[entry.Platform], i)
	}

	circuitOpen := false
	dispatched := false
	for platform, idxs := range partitions {
		gw, ok := w.gateways[platform]
		if !ok {
			for _, i := range idxs {
				failDevice(&n.Devices[i], "no-gateway")
			}
			continue
		}
		br := w.breakers[gw.Name()]
		if br != nil && !br.AllowRequest() {
			circuitOpen = true
			continue
		}
		dispatched = true
		w.dispatch(ctx, n, gw, br, idxs, byID, now, logger)
	}

	if circuitOpen && !dispatched {
		// Everything blocked by an open breaker: push out without
		// charging an attempt.
		n.Status = domain.StatusPending
		at := now.Add(circuitDeferral)
		n.ScheduleAt = &at
		if err := w.notifications.CommitDelivery(ctx, w.id, n); err != nil {
			logger.Warn("circuit-open deferral commit failed", zap.Error(err))
		}
		w.hooks.OnRescheduled("circuit-open")
		return
	}

	n.Attempts++
	n.LastAttempt = &now
	n.Status = domain.OverallStatus(n.Devices)
	n.ScheduleAt = nil

	switch n.Status {
	case domain.StatusSent, domain.StatusDelivered:
		w.stageDeliveryEvent(ctx, n, now)
	case domain.StatusFailed, domain.StatusPending:
		if n.Attempts < w.settings.MaxAttempts {
			at := now.Add(w.retryBackoff(n.Attempts))
			n.Status = domain.StatusPending
			n.ScheduleAt = &at
			w.hooks.OnRescheduled("retry")
		} else {
			n.Status = domain.StatusFailed
			w.stageDeliveryEvent(ctx, n, now)
		}
	}

	if err := w.notifications.CommitDelivery(ctx, w.id, n); err != nil {
		// A peer reclaimed the lease after expiry; its result wins.
		logger.Warn("delivery commit rejected", zap.Error(err))
	}
}

func (w *Worker) dispatch(ctx context.Context, n *domain.Notification, gw gateway.Gateway, br *breaker.Breaker, idxs []int, byID map[string]*domain.Device, now time.Time, logger *zap.Logger) {
	tokenFor := make([]string, 0, len(idxs))
	entryFor := make(map[string]*domain.DeviceDelivery, len(idxs))
	for _, i := range idxs {
		entry := &n.Devices[i]
		d := byID[entry.DeviceID]
		tokenFor = append(tokenFor, d.DeviceToken)
		entryFor[d.DeviceToken] = entry
	}

	start := time.Now()
	results, err := gw.Send(ctx, tokenFor, w.message(n))
	latency := time.Since(start)

	if err != nil {
		if br != nil {
			br.RecordFailure()
		}
		logger.Warn("gateway call failed",
			zap.String("gateway", gw.Name()), zap.Error(err))
		// Entries stay pending; the retry backoff reschedules them.
		return
	}
	if br != nil {
		br.RecordSuccess()
	}

	for _, res := range results {
		entry, ok := entryFor[res.Token]
		if !ok {
			continue
		}
		device := byID[entry.DeviceID]
		if res.Err == nil {
			entry.Status = domain.DeviceSent
			at := now
			entry.SentAt = &at
			if res.MessageID != "" {
				id := res.MessageID
				entry.ExternalID = &id
			}
			if err := w.lifecycle.TrackSuccess(ctx, device.ID); err != nil {
				logger.Warn("track success failed", zap.Error(err))
			}
			w.recordDeliveryLog(ctx, n.ID, device.ID, "sent", nil, &at, now)
			w.hooks.OnDelivered(entry.Platform, latency)
			continue
		}

		failDevice(entry, res.Err.Error())
		if err := w.lifecycle.HandleDeliveryFailure(ctx, device, gw.Name(), res.Err); err != nil {
			logger.Warn("device failure handling errored", zap.Error(err))
		}
		var nextRetry *time.Time
		if res.Err.ShouldRetry {
			at := now.Add(res.Err.RetryAfter)
			nextRetry = &at
		}
		status := "failed"
		if res.Err.ShouldDeactivate {
			status = "invalid_token"
		}
		w.recordDeliveryLog(ctx, n.ID, device.ID, status, nextRetry, nil, now)
		w.hooks.OnFailed(entry.Platform)
	}
}

func (w *Worker) message(n *domain.Notification) *gateway.Message {
	msg := &gateway.Message{
		Title:     n.Title,
		Body:      n.Body,
		Data:      stringData(n.Data),
		Priority:  n.Priority,
		TTL:       time.Until(n.ExpiresAt),
		Sound:     true,
		ChannelID: string(n.Category),
	}
	if n.ImageURL != nil {
		msg.ImageURL = *n.ImageURL
	}
	return msg
}

func (w *Worker) recordDeliveryLog(ctx context.Context, notificationID, deviceID, status string, nextRetry, sentAt *time.Time, now time.Time) {
	err := w.deliveryLog.Record(ctx, &domain.DeliveryLogEntry{
		NotificationID: notificationID,
		DeviceID:       deviceID,
		Status:         status,
		AttemptCount:   1,
		NextRetryAt:    nextRetry,
		SentAt:         sentAt,
		CreatedAt:      now,
	})
	if err != nil {
		w.logger.Warn("delivery log write failed", zap.Error(err))
	}
}

func (w *Worker) stageDeliveryEvent(ctx context.Context, n *domain.Notification, now time.Time) {
	sent, failed := 0, 0
	for _, d := range n.Devices {
		switch d.Status {
		case domain.DeviceSent, domain.DeviceDelivered:
			sent++
		case domain.DeviceFailed:
			failed++
		}
	}
	ev := domain.DeliveryEvent{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Category:       n.Category,
		Source:         n.Source,
		Timestamp:      now,
		Sent:           sent,
		Failed:         failed,
	}
	if err := outbox.StagePool(ctx, w.outboxRepo, domain.EventDelivery, ev); err != nil {
		w.logger.Warn("stage delivery event failed", zap.Error(err))
	}
}

// retryBackoff is base * 2^attempt with 20% jitter, capped.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	d := w.settings.RetryBase << uint(attempt)
	if d > w.settings.RetryCap || d <= 0 {
		d = w.settings.RetryCap
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

func failDevice(entry *domain.DeviceDelivery, reason string) {
	entry.Status = domain.DeviceFailed
	msg := reason
	entry.ErrorMessage = &msg
}

func stringData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
