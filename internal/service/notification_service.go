package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/repository"
)

// NotificationService materializes personal notifications. The event
// handler and the HTTP layer depend on this service, not on each other.
type NotificationService struct {
	notifications repository.NotificationRepository
	devices       repository.DeviceRepository
	logger        *zap.Logger
	now           func() time.Time

	// OnCreated, when set, counts materialized notifications per category.
	// Assigned by main; nil in tests.
	OnCreated func(category domain.Category)
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	devices repository.DeviceRepository,
	logger *zap.Logger,
) *NotificationService {
	return &NotificationService{
		notifications: notifications,
		devices:       devices,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SendResult reports what Send materialized.
type SendResult struct {
	Notification *domain.Notification
	Created      bool // false when the intent index returned an existing row
}

// Send validates the request, snapshots the recipient's active devices,
// and creates the notification row. The partial unique index on
// (userId, category, resourceId) makes concurrent duplicates collapse to
// one row; the loser of the race gets the winner's row back.
func (s *NotificationService) Send(ctx context.Context, req *domain.SendRequest) (*SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	devices, err := s.devices.FindActiveByUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, domain.ErrNoDevices
	}

	now := s.now()
	n := &domain.Notification{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Title:      req.Title,
		Body:       req.Body,
		Data:       req.Data,
		ImageURL:   req.ImageURL,
		Category:   req.Category,
		Priority:   req.Priority,
		Urgent:     req.Urgent,
		ScheduleAt: req.ScheduleAt,
		ExpiresAt:  now.Add(req.Priority.TTL()),
		Status:     domain.StatusPending,
		Source:     req.Source,
		ResourceID: req.ResourceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.ScheduleAt != nil && req.ScheduleAt.After(now) {
		n.Status = domain.StatusScheduled
	}
	for _, d := range devices {
		n.Devices = append(n.Devices, domain.DeviceDelivery{
			DeviceID: d.ID,
			Platform: d.Platform,
			Status:   domain.DevicePending,
		})
	}

	stored, created, err := s.notifications.CreateOrGet(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	if created {
		if s.OnCreated != nil {
			s.OnCreated(stored.Category)
		}
	} else {
		s.logger.Debug("duplicate intent collapsed",
			zap.String("userId", req.UserID),
			zap.String("category", string(req.Category)))
	}
	return &SendResult{Notification: stored, Created: created}, nil
}

// RecordInteraction appends a client-side action (opened, clicked,
// dismissed) to the notification.
func (s *NotificationService) RecordInteraction(ctx context.Context, id string, in domain.Interaction) error {
	if in.Timestamp.IsZero() {
		in.Timestamp = s.now()
	}
	switch in.Type {
	case "opened", "clicked", "dismissed":
	default:
		return domain.ErrInvalidContent
	}
	return s.notifications.RecordInteraction(ctx, id, in)
}

// CountCreatedSince reports how many notifications the user accumulated
// since the given instant. The consumer uses it for the daily cap.
func (s *NotificationService) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.notifications.CountCreatedSince(ctx, userID, since)
}
