package tokens

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/gateway"
	"github.com/notifyhub/push-delivery/internal/repository"
)

// Lifecycle owns device health: it reacts to classified gateway errors,
// counts consecutive soft failures, and sweeps stale registrations.
type Lifecycle struct {
	devices repository.DeviceRepository
	logger  *zap.Logger
	now     func() time.Time

	// OnDeactivated, when set, counts hard-error deactivations for the
	// invalid-token metric. Assigned by main; nil in tests.
	OnDeactivated func()
}

func NewLifecycle(devices repository.DeviceRepository, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		devices: devices,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleDeliveryFailure applies the classification verdict to the device.
// Hard token errors deactivate on the first occurrence; soft errors
// increment the consecutive-failure counter and deactivate at the
// threshold.
func (l *Lifecycle) HandleDeliveryFailure(ctx context.Context, device *domain.Device, gatewayName string, cls *gateway.Classification) error {
	now := l.now()

	if cls.ShouldDeactivate {
		l.logger.Info("deactivating device on hard token error",
			zap.String("deviceId", device.ID),
			zap.String("gateway", gatewayName),
			zap.String("errorType", string(cls.Type)))
		if l.OnDeactivated != nil {
			l.OnDeactivated()
		}
		return l.devices.Deactivate(ctx, device.ID, string(cls.Type), now)
	}

	count, err := l.devices.RecordFailure(ctx, device.ID, now)
	if err != nil {
		return fmt.Errorf("record device failure: %w", err)
	}
	if count >= domain.MaxConsecutiveFailures {
		l.logger.Info("deactivating device after consecutive failures",
			zap.String("deviceId", device.ID),
			zap.Int("failureCount", count))
		return l.devices.Deactivate(ctx, device.ID, "consecutive_failures", now)
	}
	return nil
}

// TrackSuccess resets the failure counter and bumps lastSeen.
func (l *Lifecycle) TrackSuccess(ctx context.Context, deviceID string) error {
	return l.devices.RecordSuccess(ctx, deviceID, l.now())
}

// CleanupStaleTokens deactivates devices not seen within inactiveDays and
// hard-deletes devices deactivated more than deleteAfterDays ago. Run on a
// schedule by the maintenance loop.
func (l *Lifecycle) CleanupStaleTokens(ctx context.Context, inactiveDays, deleteAfterDays int) (deactivated, deleted int64, err error) {
	now := l.now()

	deactivated, err = l.devices.DeactivateStale(ctx, now.AddDate(0, 0, -inactiveDays))
	if err != nil {
		return 0, 0, fmt.Errorf("deactivate stale devices: %w", err)
	}
	deleted, err = l.devices.DeleteDeactivatedBefore(ctx, now.AddDate(0, 0, -deleteAfterDays))
	if err != nil {
		return deactivated, 0, fmt.Errorf("delete deactivated devices: %w", err)
	}

	if deactivated > 0 || deleted > 0 {
		l.logger.Info("stale token cleanup finished",
			zap.Int64("deactivated", deactivated),
			zap.Int64("deleted", deleted))
	}
	return deactivated, deleted, nil
}
