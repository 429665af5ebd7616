package repository

import (
	"context"
	"time"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// NotificationRepository defines all persistence operations for personal
// notifications. The pgx implementation is in pg_notification_repo.go.
// Tests use a hand-written mock (mock_notification_repo.go).
type NotificationRepository interface {
	// CreateOrGet inserts n; when the intent index rejects the row as a
	// duplicate, the existing notification is returned with created=false.
	CreateOrGet(ctx context.Context, n *domain.Notification) (out *domain.Notification, created bool, err error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)

	// LeaseBatch atomically claims up to batchSize due notifications for
	// workerID and returns them. Crashed workers' leases become claimable
	// once lock_expiry passes.
	LeaseBatch(ctx context.Context, workerID string, batchSize int, lockTTL time.Duration, maxAttempts int) ([]*domain.Notification, error)

	// CommitDelivery persists device outcomes, the recomputed status, and
	// the attempt counter, then clears the lease. Returns ErrLeaseLost if
	// workerID no longer holds the lease.
	CommitDelivery(ctx context.Context, workerID string, n *domain.Notification) error

	// Reschedule returns a leased notification to the pool at a later time
	// without charging an attempt (quiet hours, open breaker).
	Reschedule(ctx context.Context, id string, status domain.Status, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
	ReleaseWorkerLeases(ctx context.Context, workerID string) (int64, error)

	ListInbox(ctx context.Context, q domain.InboxQuery) ([]*domain.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)

	// CountCreatedSince backs the per-user daily notification cap.
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)
	MarkRead(ctx context.Context, id, userID string, at time.Time) error
	MarkReadBatch(ctx context.Context, ids []string, userID string, at time.Time) (int64, error)
	RecordInteraction(ctx context.Context, id string, in domain.Interaction) error

	CancelExpiredScheduled(ctx context.Context, now time.Time) (int64, error)
	SweepFailedForRetry(ctx context.Context, lastAttemptBefore time.Time, maxAttempts int) (int64, error)
	ArchiveOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)

	// OldestPendingCreatedAt feeds the queue-lag gauge. Nil when the
	// pending set is empty.
	OldestPendingCreatedAt(ctx context.Context) (*time.Time, error)
}
