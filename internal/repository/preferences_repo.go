package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// PreferencesRepository persists per-user notification preferences.
// GetOrCreate materializes defaults on first read.
type PreferencesRepository interface {
	GetOrCreate(ctx context.Context, userID string) (*domain.UserPreferences, error)
	Save(ctx context.Context, p *domain.UserPreferences) error
}

type pgPreferencesRepository struct {
	pool *pgxpool.Pool
}

func NewPgPreferencesRepository(pool *pgxpool.Pool) PreferencesRepository {
	return &pgPreferencesRepository{pool: pool}
}

func (r *pgPreferencesRepository) GetOrCreate(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	p, err := r.get(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	defaults := domain.DefaultPreferences(userID)
	if err := r.Save(ctx, defaults); err != nil {
		// A concurrent first read may have inserted already; re-read wins.
		if p, getErr := r.get(ctx, userID); getErr == nil {
			return p, nil
		}
		return nil, err
	}
	return defaults, nil
}

func (r *pgPreferencesRepository) Save(ctx context.Context, p *domain.UserPreferences) error {
	types, _ := json.Marshal(p.NotificationTypes)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_preferences
			(user_id, notification_types, quiet_enabled, quiet_start, quiet_end,
			 quiet_timezone, blocked_keywords, blocked_sources, blocked_senders,
			 max_daily, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (user_id) DO UPDATE SET
			notification_types = EXCLUDED.notification_types,
			quiet_enabled = EXCLUDED.quiet_enabled,
			quiet_start = EXCLUDED.quiet_start,
			quiet_end = EXCLUDED.quiet_end,
			quiet_timezone = EXCLUDED.quiet_timezone,
			blocked_keywords = EXCLUDED.blocked_keywords,
			blocked_sources = EXCLUDED.blocked_sources,
			blocked_senders = EXCLUDED.blocked_senders,
			max_daily = EXCLUDED.max_daily,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, types, p.QuietHours.Enabled, p.QuietHours.Start, p.QuietHours.End,
		p.QuietHours.Timezone, p.Blocked.Keywords, p.Blocked.Sources, p.Blocked.Senders,
		p.MaxDaily, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func (r *pgPreferencesRepository) get(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, notification_types, quiet_enabled, quiet_start, quiet_end,
		       quiet_timezone, blocked_keywords, blocked_sources, blocked_senders,
		       max_daily, created_at, updated_at
		FROM user_preferences WHERE user_id = $1`, userID)

	var p domain.UserPreferences
	var types []byte
	err := row.Scan(&p.UserID, &types, &p.QuietHours.Enabled, &p.QuietHours.Start,
		&p.QuietHours.End, &p.QuietHours.Timezone, &p.Blocked.Keywords,
		&p.Blocked.Sources, &p.Blocked.Senders, &p.MaxDaily, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	if err := json.Unmarshal(types, &p.NotificationTypes); err != nil {
		return nil, fmt.Errorf("decode notification types: %w", err)
	}
	return &p, nil
}
