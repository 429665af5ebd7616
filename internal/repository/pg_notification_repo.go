package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/push-delivery/internal/domain"
)

const notificationColumns = `
	id, user_id, title, body, data, image_url, icon_url, category, priority,
	tags, urgent, schedule_at, timezone, expires_at, status, is_read, read_at,
	locked_by, locked_at, lock_expiry, attempts, last_attempt, devices,
	interactions, source, campaign, metadata, resource_id, created_at, updated_at`

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPgNotificationRepository returns a NotificationRepository backed by PostgreSQL.
func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

func (r *pgNotificationRepository) CreateOrGet(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error) {
	data, _ := json.Marshal(orEmptyMap(n.Data))
	meta, _ := json.Marshal(orEmptyMap(n.Metadata))
	devices, _ := json.Marshal(orEmptySlice(n.Devices))
	interactions, _ := json.Marshal(orEmptyInteractions(n.Interactions))

	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
		        $18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)`,
		n.ID, n.UserID, n.Title, n.Body, data, n.ImageURL, n.IconURL, n.Category, n.Priority,
		n.Tags, n.Urgent, n.ScheduleAt, n.Timezone, n.ExpiresAt, n.Status, n.IsRead, n.ReadAt,
		n.LockedBy, n.LockedAt, n.LockExpiry, n.Attempts, n.LastAttempt, devices,
		interactions, n.Source, n.Campaign, meta, n.ResourceID, n.CreatedAt, n.UpdatedAt,
	)
	if err == nil {
		return n, true, nil
	}

	// The partial unique index on (user_id, category, resource_id) is the
	// race-safe idempotency constraint: a duplicate insert loses and the
	// existing row wins.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && n.ResourceID != nil {
		row := r.pool.QueryRow(ctx, `
			SELECT `+notificationColumns+`
			FROM notifications
			WHERE user_id = $1 AND category = $2 AND resource_id = $3`,
			n.UserID, n.Category, *n.ResourceID)
		existing, scanErr := scanNotification(row)
		if scanErr != nil {
			return nil, false, fmt.Errorf("fetch existing after duplicate: %w", scanErr)
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("insert notification: %w", err)
}

func (r *pgNotificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

func (r *pgNotificationRepository) LeaseBatch(ctx context.Context, workerID string, batchSize int, lockTTL time.Duration, maxAttempts int) ([]*domain.Notification, error) {
	now := time.Now().UTC()
	rows, err := r.pool.Query(ctx, `
		UPDATE notifications
		SET locked_by = $1, locked_at = $2, lock_expiry = $3, updated_at = $2
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status IN ('pending','scheduled')
			  AND (locked_by IS NULL OR lock_expiry < $2)
			  AND (schedule_at IS NULL OR schedule_at <= $2)
			  AND expires_at > $2
			  AND attempts < $4
			ORDER BY urgent DESC, COALESCE(schedule_at, created_at)
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns,
		workerID, now, now.Add(lockTTL), maxAttempts, batchSize)
	if err != nil {
		return nil, fmt.Errorf("lease batch: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *pgNotificationRepository) CommitDelivery(ctx context.Context, workerID string, n *domain.Notification) error {
	devices, _ := json.Marshal(orEmptySlice(n.Devices))
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = $1, devices = $2, attempts = $3, last_attempt = $4,
		    schedule_at = $5,
		    locked_by = NULL, locked_at = NULL, lock_expiry = NULL,
		    updated_at = NOW()
		WHERE id = $6 AND locked_by = $7`,
		n.Status, devices, n.Attempts, n.LastAttempt, n.ScheduleAt, n.ID, workerID)
	if err != nil {
		return fmt.Errorf("commit delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *pgNotificationRepository) Reschedule(ctx context.Context, id string, status domain.Status, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = $1, schedule_at = $2,
		    locked_by = NULL, locked_at = NULL, lock_expiry = NULL,
		    updated_at = NOW()
		WHERE id = $3`, status, at, id)
	return err
}

func (r *pgNotificationRepository) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'failed', attempts = attempts + 1, last_attempt = NOW(),
		    metadata = metadata || jsonb_build_object('failureReason', $1::text),
		    locked_by = NULL, locked_at = NULL, lock_expiry = NULL,
		    updated_at = NOW()
		WHERE id = $2`, reason, id)
	return err
}

func (r *pgNotificationRepository) ReleaseWorkerLeases(ctx context.Context, workerID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET locked_by = NULL, locked_at = NULL, lock_expiry = NULL, updated_at = NOW()
		WHERE locked_by = $1`, workerID)
	if err != nil {
		return 0, fmt.Errorf("release leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgNotificationRepository) ListInbox(ctx context.Context, q domain.InboxQuery) ([]*domain.Notification, error) {
	var conditions []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	add("user_id = $%d", q.UserID)
	if !q.IncludeRead {
		conditions = append(conditions, "is_read = FALSE")
	}
	if q.Since != nil {
		add("created_at >= $%d", *q.Since)
	}
	if q.BeforeCreatedAt != nil && q.BeforeID != nil {
		args = append(args, *q.BeforeCreatedAt, *q.BeforeID)
		conditions = append(conditions, fmt.Sprintf(
			"(created_at < $%d OR (created_at = $%d AND id < $%d))",
			len(args)-1, len(args)-1, len(args)))
	}

	args = append(args, q.Limit)
	query := fmt.Sprintf(`
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, strings.Join(conditions, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *pgNotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND is_read = FALSE AND status <> 'cancelled'`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (r *pgNotificationRepository) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND created_at >= $2 AND status <> 'cancelled'`,
		userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count created since: %w", err)
	}
	return count, nil
}

func (r *pgNotificationRepository) MarkRead(ctx context.Context, id, userID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET is_read = TRUE, read_at = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3`, at, id, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgNotificationRepository) MarkReadBatch(ctx context.Context, ids []string, userID string, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET is_read = TRUE, read_at = $1, updated_at = NOW()
		WHERE id = ANY($2) AND user_id = $3 AND is_read = FALSE`, at, ids, userID)
	if err != nil {
		return 0, fmt.Errorf("mark read batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgNotificationRepository) RecordInteraction(ctx context.Context, id string, in domain.Interaction) error {
	raw, _ := json.Marshal(in)
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET interactions = interactions || $1::jsonb, updated_at = NOW()
		WHERE id = $2`, raw, id)
	return err
}

func (r *pgNotificationRepository) CancelExpiredScheduled(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'cancelled',
		    locked_by = NULL, locked_at = NULL, lock_expiry = NULL,
		    updated_at = NOW()
		WHERE status IN ('pending','scheduled') AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("cancel expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgNotificationRepository) SweepFailedForRetry(ctx context.Context, lastAttemptBefore time.Time, maxAttempts int) (int64, error) {
	// Failed devices are reset to pending so the next attempt retries them.
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'pending', schedule_at = NULL,
		    devices = (
			SELECT COALESCE(jsonb_agg(
				CASE WHEN d->>'status' = 'failed'
				     THEN d || '{"status":"pending"}'::jsonb
				     ELSE d END), '[]'::jsonb)
			FROM jsonb_array_elements(devices) AS d
		    ),
		    updated_at = NOW()
		WHERE status = 'failed'
		  AND attempts < $1
		  AND last_attempt < $2
		  AND expires_at > NOW()`, maxAttempts, lastAttemptBefore)
	if err != nil {
		return 0, fmt.Errorf("sweep failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgNotificationRepository) ArchiveOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM notifications
			WHERE id IN (
				SELECT id FROM notifications
				WHERE created_at < $1
				ORDER BY created_at
				LIMIT $2
			)
			RETURNING *
		)
		INSERT INTO notifications_archive SELECT * FROM moved`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("archive batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgNotificationRepository) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int64)
	for rows.Next() {
		var s domain.Status
		var c int64
		if err := rows.Scan(&s, &c); err != nil {
			return nil, err
		}
		counts[s] = c
	}
	return counts, rows.Err()
}

func (r *pgNotificationRepository) OldestPendingCreatedAt(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT MIN(created_at) FROM notifications WHERE status = 'pending'`).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("oldest pending: %w", err)
	}
	return t, nil
}

// ---- helpers ----

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	var data, meta, devices, interactions []byte
	err := row.Scan(
		&n.ID, &n.UserID, &n.Title, &n.Body, &data, &n.ImageURL, &n.IconURL,
		&n.Category, &n.Priority, &n.Tags, &n.Urgent, &n.ScheduleAt, &n.Timezone,
		&n.ExpiresAt, &n.Status, &n.IsRead, &n.ReadAt, &n.LockedBy, &n.LockedAt,
		&n.LockExpiry, &n.Attempts, &n.LastAttempt, &devices, &interactions,
		&n.Source, &n.Campaign, &meta, &n.ResourceID, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &n.Data); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if err := json.Unmarshal(meta, &n.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(devices, &n.Devices); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	if err := json.Unmarshal(interactions, &n.Interactions); err != nil {
		return nil, fmt.Errorf("decode interactions: %w", err)
	}
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var result []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(d []domain.DeviceDelivery) []domain.DeviceDelivery {
	if d == nil {
		return []domain.DeviceDelivery{}
	}
	return d
}

func orEmptyInteractions(in []domain.Interaction) []domain.Interaction {
	if in == nil {
		return []domain.Interaction{}
	}
	return in
}
