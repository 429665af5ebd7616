package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/repository"
)

func TestRegisterDevice(t *testing.T) {
	devices := repository.NewMockDeviceRepository()
	svc := NewDeviceService(devices, zap.NewNop())
	ctx := context.Background()

	d, err := svc.Register(ctx, &domain.RegisterDeviceRequest{
		UserID: "u1", DeviceID: "d1", Platform: domain.PlatformAndroid, FCMToken: "tok-1",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if d.DeviceToken != "tok-1" || d.FCMToken == nil || *d.FCMToken != "tok-1" {
		t.Errorf("token not stored: %+v", d)
	}
	if !d.PushSettings.Enabled {
		t.Error("push must default to enabled")
	}

	active, _ := devices.FindActiveByUser(ctx, "u1")
	if len(active) != 1 {
		t.Fatalf("active devices = %d, want 1", len(active))
	}
}

func TestRegisterDeviceValidation(t *testing.T) {
	svc := NewDeviceService(repository.NewMockDeviceRepository(), zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.RegisterDeviceRequest
		want error
	}{
		{"missing user", domain.RegisterDeviceRequest{DeviceID: "d", Platform: "android", FCMToken: "t"}, domain.ErrInvalidRecipient},
		{"missing device", domain.RegisterDeviceRequest{UserID: "u", Platform: "android", FCMToken: "t"}, domain.ErrInvalidRecipient},
		{"bad platform", domain.RegisterDeviceRequest{UserID: "u", DeviceID: "d", Platform: "web", FCMToken: "t"}, domain.ErrInvalidPlatform},
		{"missing token", domain.RegisterDeviceRequest{UserID: "u", DeviceID: "d", Platform: "ios"}, domain.ErrInvalidContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, &tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRefreshTokenOwnership(t *testing.T) {
	devices := repository.NewMockDeviceRepository()
	svc := NewDeviceService(devices, zap.NewNop())
	ctx := context.Background()
	if _, err := svc.Register(ctx, &domain.RegisterDeviceRequest{
		UserID: "u1", DeviceID: "d1", Platform: domain.PlatformAndroid, FCMToken: "tok-1",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := svc.RefreshToken(ctx, "u1", "d1", "tok-2"); err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	d, _ := devices.GetByID(ctx, "d1")
	if d.DeviceToken != "tok-2" {
		t.Errorf("token = %q, want tok-2", d.DeviceToken)
	}

	// Another user's refresh attempt looks like a missing device.
	if err := svc.RefreshToken(ctx, "u2", "d1", "tok-3"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign refresh err = %v, want ErrNotFound", err)
	}
	if err := svc.RefreshToken(ctx, "u1", "d1", ""); !errors.Is(err, domain.ErrInvalidContent) {
		t.Fatalf("empty token err = %v, want ErrInvalidContent", err)
	}
}

func TestUnregisterDeactivates(t *testing.T) {
	devices := repository.NewMockDeviceRepository()
	svc := NewDeviceService(devices, zap.NewNop())
	ctx := context.Background()
	if _, err := svc.Register(ctx, &domain.RegisterDeviceRequest{
		UserID: "u1", DeviceID: "d1", Platform: domain.PlatformIOS, FCMToken: "tok-1",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := svc.Unregister(ctx, "u1", "d1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	d, _ := devices.GetByID(ctx, "d1")
	if d.IsActive {
		t.Fatal("device must be inactive after unregister")
	}
	if d.Metadata["deactivationReason"] != "unregistered" {
		t.Errorf("reason = %q", d.Metadata["deactivationReason"])
	}
}
