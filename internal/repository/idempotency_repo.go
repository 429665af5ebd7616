package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// IdempotencyRepository is the durable tier of the idempotency store.
type IdempotencyRepository interface {
	Exists(ctx context.Context, key string) (bool, error)
	Upsert(ctx context.Context, rec *domain.IdempotencyRecord) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type pgIdempotencyRepository struct {
	pool *pgxpool.Pool
}

func NewPgIdempotencyRepository(pool *pgxpool.Pool) IdempotencyRepository {
	return &pgIdempotencyRepository{pool: pool}
}

func (r *pgIdempotencyRepository) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM idempotency_records
			WHERE idempotency_key = $1 AND expires_at > NOW()
		)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("idempotency exists: %w", err)
	}
	return exists, nil
}

func (r *pgIdempotencyRepository) Upsert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO idempotency_records
			(idempotency_key, event_id, event_type, notification_id, user_id,
			 processed_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			processed_at = EXCLUDED.processed_at,
			expires_at = EXCLUDED.expires_at`,
		rec.Key, rec.EventID, rec.EventType, rec.NotificationID, rec.UserID,
		rec.ProcessedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert idempotency record: %w", err)
	}
	return nil
}

func (r *pgIdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
