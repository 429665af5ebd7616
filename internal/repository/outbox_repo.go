package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// OutboxRepository persists the transactional outbox. Append runs on the
// pool (the caller's write is the same statement batch) while AppendTx
// joins an open transaction so the event commits with the domain write.
type OutboxRepository interface {
	Append(ctx context.Context, e *domain.OutboxEvent) error
	AppendTx(ctx context.Context, tx pgx.Tx, e *domain.OutboxEvent) error
	FetchUnpublished(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	IncrementRetry(ctx context.Context, id string, lastError string) error
	Stats(ctx context.Context) (unpublished, dead int64, err error)
}

type pgOutboxRepository struct {
	pool       *pgxpool.Pool
	maxRetries int
}

func NewPgOutboxRepository(pool *pgxpool.Pool, maxRetries int) OutboxRepository {
	return &pgOutboxRepository{pool: pool, maxRetries: maxRetries}
}

const outboxInsert = `
	INSERT INTO outbox_events
		(id, event_id, event_type, payload, published, created_at, retry_count)
	VALUES ($1,$2,$3,$4,FALSE,$5,0)
	ON CONFLICT (event_id) DO NOTHING`

func (r *pgOutboxRepository) Append(ctx context.Context, e *domain.OutboxEvent) error {
	_, err := r.pool.Exec(ctx, outboxInsert,
		e.ID, e.EventID, e.EventType, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

func (r *pgOutboxRepository) AppendTx(ctx context.Context, tx pgx.Tx, e *domain.OutboxEvent) error {
	_, err := tx.Exec(ctx, outboxInsert,
		e.ID, e.EventID, e.EventType, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append outbox event in tx: %w", err)
	}
	return nil
}

func (r *pgOutboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, event_type, payload, published, created_at,
		       published_at, retry_count, last_error
		FROM outbox_events
		WHERE published = FALSE AND retry_count < $1
		ORDER BY created_at
		LIMIT $2`, r.maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unpublished: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.Published,
			&e.CreatedAt, &e.PublishedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *pgOutboxRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET published = TRUE, published_at = $1
		WHERE id = $2`, at, id)
	return err
}

func (r *pgOutboxRepository) IncrementRetry(ctx context.Context, id string, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1, last_error = $1
		WHERE id = $2`, lastError, id)
	return err
}

func (r *pgOutboxRepository) Stats(ctx context.Context) (int64, int64, error) {
	var unpublished, dead int64
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1)
		FROM outbox_events WHERE published = FALSE`, r.maxRetries).
		Scan(&unpublished, &dead)
	if err != nil {
		return 0, 0, fmt.Errorf("outbox stats: %w", err)
	}
	return unpublished, dead, nil
}
