package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// DeliveryLogRepository journals per-(notification, device) attempts.
type DeliveryLogRepository interface {
	Record(ctx context.Context, e *domain.DeliveryLogEntry) error
	FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryLogEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type pgDeliveryLogRepository struct {
	pool *pgxpool.Pool
}

func NewPgDeliveryLogRepository(pool *pgxpool.Pool) DeliveryLogRepository {
	return &pgDeliveryLogRepository{pool: pool}
}

func (r *pgDeliveryLogRepository) Record(ctx context.Context, e *domain.DeliveryLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO delivery_log
			(notification_id, device_id, status, attempt_count, last_error,
			 next_retry_at, sent_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (notification_id, device_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_count = delivery_log.attempt_count + 1,
			last_error = EXCLUDED.last_error,
			next_retry_at = EXCLUDED.next_retry_at,
			sent_at = COALESCE(EXCLUDED.sent_at, delivery_log.sent_at)`,
		e.NotificationID, e.DeviceID, e.Status, e.AttemptCount, e.LastError,
		e.NextRetryAt, e.SentAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record delivery log: %w", err)
	}
	return nil
}

func (r *pgDeliveryLogRepository) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT notification_id, device_id, status, attempt_count, last_error,
		       next_retry_at, sent_at, created_at
		FROM delivery_log
		WHERE status = 'failed' AND next_retry_at <= $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find due delivery retries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.DeliveryLogEntry
	for rows.Next() {
		var e domain.DeliveryLogEntry
		if err := rows.Scan(&e.NotificationID, &e.DeviceID, &e.Status, &e.AttemptCount,
			&e.LastError, &e.NextRetryAt, &e.SentAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *pgDeliveryLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM delivery_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old delivery log rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
