package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// GroupRepository persists fanout-on-read broadcast notifications.
type GroupRepository interface {
	Create(ctx context.Context, g *domain.GroupNotification) error
	GetByID(ctx context.Context, id string) (*domain.GroupNotification, error)
	// FindActive returns active, unexpired group notifications newest-first,
	// bounded. since filters on created_at when set.
	FindActive(ctx context.Context, since *time.Time, limit int) ([]*domain.GroupNotification, error)
	IncrementViewCount(ctx context.Context, id string) error
	IncrementClickCount(ctx context.Context, id string) error
	ArchiveOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type pgGroupRepository struct {
	pool *pgxpool.Pool
}

func NewPgGroupRepository(pool *pgxpool.Pool) GroupRepository {
	return &pgGroupRepository{pool: pool}
}

const groupColumns = `
	id, event_id, event_type, actor_user_id, actor_follower_count, title, body,
	data, priority, action_url, image_url, target_audience, target_user_ids,
	exclude_user_ids, push_strategy, broadcast_topic, created_at, expires_at,
	is_active, view_count, click_count, actual_reach, estimated_reach`

func (r *pgGroupRepository) Create(ctx context.Context, g *domain.GroupNotification) error {
	data, _ := json.Marshal(orEmptyMap(g.Data))
	_, err := r.pool.Exec(ctx, `
		INSERT INTO group_notifications (`+groupColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		g.ID, g.EventID, g.EventType, g.ActorUserID, g.ActorFollowerCount, g.Title, g.Body,
		data, g.Priority, g.ActionURL, g.ImageURL, g.TargetAudience, g.TargetUserIDs,
		g.ExcludeUserIDs, g.PushStrategy, g.BroadcastTopic, g.CreatedAt, g.ExpiresAt,
		g.IsActive, g.ViewCount, g.ClickCount, g.ActualReach, g.EstimatedReach,
	)
	if err != nil {
		return fmt.Errorf("insert group notification: %w", err)
	}
	return nil
}

func (r *pgGroupRepository) GetByID(ctx context.Context, id string) (*domain.GroupNotification, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM group_notifications WHERE id = $1`, id)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return g, err
}

func (r *pgGroupRepository) FindActive(ctx context.Context, since *time.Time, limit int) ([]*domain.GroupNotification, error) {
	var rows pgx.Rows
	var err error
	if since != nil {
		rows, err = r.pool.Query(ctx, `
			SELECT `+groupColumns+` FROM group_notifications
			WHERE is_active = TRUE
			  AND (expires_at IS NULL OR expires_at > NOW())
			  AND created_at >= $1
			ORDER BY created_at DESC
			LIMIT $2`, *since, limit)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT `+groupColumns+` FROM group_notifications
			WHERE is_active = TRUE
			  AND (expires_at IS NULL OR expires_at > NOW())
			ORDER BY created_at DESC
			LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("find active groups: %w", err)
	}
	defer rows.Close()

	var groups []*domain.GroupNotification
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *pgGroupRepository) IncrementViewCount(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE group_notifications SET view_count = view_count + 1 WHERE id = $1`, id)
	return err
}

func (r *pgGroupRepository) IncrementClickCount(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE group_notifications SET click_count = click_count + 1 WHERE id = $1`, id)
	return err
}

func (r *pgGroupRepository) ArchiveOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin group archive: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM group_notifications
			WHERE id IN (
				SELECT id FROM group_notifications
				WHERE created_at < $1
				ORDER BY created_at
				LIMIT $2
			)
			RETURNING *
		)
		INSERT INTO group_notifications_archive SELECT * FROM moved`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("group archive batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit group archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanGroup(row pgx.Row) (*domain.GroupNotification, error) {
	var g domain.GroupNotification
	var data []byte
	err := row.Scan(
		&g.ID, &g.EventID, &g.EventType, &g.ActorUserID, &g.ActorFollowerCount,
		&g.Title, &g.Body, &data, &g.Priority, &g.ActionURL, &g.ImageURL,
		&g.TargetAudience, &g.TargetUserIDs, &g.ExcludeUserIDs, &g.PushStrategy,
		&g.BroadcastTopic, &g.CreatedAt, &g.ExpiresAt, &g.IsActive,
		&g.ViewCount, &g.ClickCount, &g.ActualReach, &g.EstimatedReach,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &g.Data); err != nil {
		return nil, fmt.Errorf("decode group data: %w", err)
	}
	return &g, nil
}
