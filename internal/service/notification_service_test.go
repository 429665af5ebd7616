package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/repository"
)

func newSendEnv(t *testing.T) (*NotificationService, *repository.MockNotificationRepository, *repository.MockDeviceRepository) {
	t.Helper()
	notifs := repository.NewMockNotificationRepository()
	devices := repository.NewMockDeviceRepository()
	return NewNotificationService(notifs, devices, zap.NewNop()), notifs, devices
}

func seedActiveDevice(t *testing.T, devices *repository.MockDeviceRepository, userID string) {
	t.Helper()
	err := devices.Upsert(context.Background(), &domain.Device{
		ID: "d1", UserID: userID, Platform: domain.PlatformAndroid,
		DeviceToken: "tok", PushSettings: domain.PushSettings{Enabled: true},
	})
	if err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

func TestSendSnapshotsDevices(t *testing.T) {
	svc, _, devices := newSendEnv(t)
	seedActiveDevice(t, devices, "u1")

	res, err := svc.Send(context.Background(), &domain.SendRequest{
		UserID: "u1", Title: "t", Body: "b",
		Category: domain.CategorySocial, Priority: domain.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Created {
		t.Fatal("fresh send must create")
	}
	n := res.Notification
	if n.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", n.Status)
	}
	if len(n.Devices) != 1 || n.Devices[0].Status != domain.DevicePending {
		t.Errorf("device snapshot = %+v", n.Devices)
	}
	if !n.ExpiresAt.After(n.CreatedAt) {
		t.Error("expiry must be derived from priority TTL")
	}
}

func TestSendWithoutDevices(t *testing.T) {
	svc, _, _ := newSendEnv(t)
	_, err := svc.Send(context.Background(), &domain.SendRequest{
		UserID: "u1", Title: "t", Body: "b",
		Category: domain.CategorySocial, Priority: domain.PriorityNormal,
	})
	if !errors.Is(err, domain.ErrNoDevices) {
		t.Fatalf("err = %v, want ErrNoDevices", err)
	}
}

func TestSendFutureScheduleIsScheduled(t *testing.T) {
	svc, _, devices := newSendEnv(t)
	seedActiveDevice(t, devices, "u1")
	at := time.Now().UTC().Add(2 * time.Hour)

	res, err := svc.Send(context.Background(), &domain.SendRequest{
		UserID: "u1", Title: "t", Body: "b",
		Category: domain.CategorySocial, Priority: domain.PriorityNormal,
		ScheduleAt: &at,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Notification.Status != domain.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", res.Notification.Status)
	}
}

func TestSendDuplicateIntentCollapses(t *testing.T) {
	svc, notifs, devices := newSendEnv(t)
	seedActiveDevice(t, devices, "u1")
	rid := "follower-9"
	req := &domain.SendRequest{
		UserID: "u1", Title: "t", Body: "b",
		Category: domain.CategorySocial, Priority: domain.PriorityNormal,
		ResourceID: &rid,
	}

	first, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	second, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if second.Created {
		t.Fatal("duplicate intent must not create a second row")
	}
	if second.Notification.ID != first.Notification.ID {
		t.Fatal("loser of the race must get the winner's row")
	}
	if notifs.Len() != 1 {
		t.Fatalf("rows = %d, want 1", notifs.Len())
	}
}

func TestRecordInteractionValidatesType(t *testing.T) {
	svc, notifs, devices := newSendEnv(t)
	seedActiveDevice(t, devices, "u1")
	res, err := svc.Send(context.Background(), &domain.SendRequest{
		UserID: "u1", Title: "t", Body: "b",
		Category: domain.CategorySocial, Priority: domain.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	id := res.Notification.ID

	if err := svc.RecordInteraction(context.Background(), id, domain.Interaction{Type: "clicked"}); err != nil {
		t.Fatalf("RecordInteraction: %v", err)
	}
	if err := svc.RecordInteraction(context.Background(), id, domain.Interaction{Type: "hovered"}); !errors.Is(err, domain.ErrInvalidContent) {
		t.Fatalf("err = %v, want ErrInvalidContent", err)
	}

	stored, _ := notifs.GetByID(context.Background(), id)
	if len(stored.Interactions) != 1 {
		t.Fatalf("interactions = %d, want 1", len(stored.Interactions))
	}
}
