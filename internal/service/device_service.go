package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/repository"
)

// DeviceService owns device registration and token lifecycle on the HTTP
// surface. Delivery-time lifecycle (failure counting, deactivation) lives
// in the tokens package.
type DeviceService struct {
	devices repository.DeviceRepository
	logger  *zap.Logger
	now     func() time.Time
}

func NewDeviceService(devices repository.DeviceRepository, logger *zap.Logger) *DeviceService {
	return &DeviceService{
		devices: devices,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register upserts a device. Re-registering an existing device ID
// reactivates it and resets its failure count.
func (s *DeviceService) Register(ctx context.Context, req *domain.RegisterDeviceRequest) (*domain.Device, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	token := req.FCMToken
	d := &domain.Device{
		ID:               req.DeviceID,
		UserID:           req.UserID,
		Platform:         req.Platform,
		DeviceToken:      token,
		FCMToken:         &token,
		PushSettings:     domain.PushSettings{Enabled: true, Sound: true, Badge: true, Alert: true},
		IsActive:         true,
		LastSeen:         now,
		RegistrationDate: now,
	}
	if err := s.devices.Upsert(ctx, d); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	s.logger.Info("device registered",
		zap.String("deviceId", d.ID),
		zap.String("userId", d.UserID),
		zap.String("platform", string(d.Platform)))
	return d, nil
}

// RefreshToken swaps the push token after the platform SDK rotates it.
// Refreshing reactivates the device.
func (s *DeviceService) RefreshToken(ctx context.Context, userID, deviceID, token string) error {
	if token == "" {
		return domain.ErrInvalidContent
	}
	if err := s.authorize(ctx, userID, deviceID); err != nil {
		return err
	}
	return s.devices.RefreshToken(ctx, deviceID, token, s.now())
}

// Unregister deactivates a device on explicit logout or uninstall.
func (s *DeviceService) Unregister(ctx context.Context, userID, deviceID string) error {
	if err := s.authorize(ctx, userID, deviceID); err != nil {
		return err
	}
	return s.devices.Deactivate(ctx, deviceID, "unregistered", s.now())
}

// ListActive returns the caller's active devices.
func (s *DeviceService) ListActive(ctx context.Context, userID string) ([]*domain.Device, error) {
	return s.devices.FindActiveByUser(ctx, userID)
}

func (s *DeviceService) authorize(ctx context.Context, userID, deviceID string) error {
	d, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.UserID != userID {
		// A device owned by someone else is indistinguishable from a
		// missing one to the caller.
		return domain.ErrNotFound
	}
	return nil
}
