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

// DeviceRepository defines persistence for registered push devices.
type DeviceRepository interface {
	Upsert(ctx context.Context, d *domain.Device) error
	GetByID(ctx context.Context, id string) (*domain.Device, error)
	FindActiveByUser(ctx context.Context, userID string) ([]*domain.Device, error)
	RefreshToken(ctx context.Context, id, token string, at time.Time) error
	Deactivate(ctx context.Context, id, reason string, at time.Time) error
	RecordFailure(ctx context.Context, id string, at time.Time) (failureCount int, err error)
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	DeactivateStale(ctx context.Context, lastSeenBefore time.Time) (int64, error)
	DeleteDeactivatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type pgDeviceRepository struct {
	pool *pgxpool.Pool
}

func NewPgDeviceRepository(pool *pgxpool.Pool) DeviceRepository {
	return &pgDeviceRepository{pool: pool}
}

const deviceColumns = `
	id, user_id, platform, device_token, fcm_token, app_version, device_info,
	push_enabled, push_sound, push_badge, push_alert, is_active, last_seen,
	registration_date, deactivated_at, failure_count, last_failure, tags, metadata`

func (r *pgDeviceRepository) Upsert(ctx context.Context, d *domain.Device) error {
	info, _ := json.Marshal(d.DeviceInfo)
	meta, _ := json.Marshal(d.Metadata)
	if d.DeviceInfo == nil {
		info = []byte(`{}`)
	}
	if d.Metadata == nil {
		meta = []byte(`{}`)
	}
	// A token re-registered from a different install wins the token; the
	// unique constraint on device_token resolves in favour of the newcomer.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			platform = EXCLUDED.platform,
			device_token = EXCLUDED.device_token,
			fcm_token = EXCLUDED.fcm_token,
			app_version = EXCLUDED.app_version,
			device_info = EXCLUDED.device_info,
			is_active = TRUE,
			deactivated_at = NULL,
			failure_count = 0,
			last_seen = EXCLUDED.last_seen`,
		d.ID, d.UserID, d.Platform, d.DeviceToken, d.FCMToken, d.AppVersion, info,
		d.PushSettings.Enabled, d.PushSettings.Sound, d.PushSettings.Badge, d.PushSettings.Alert,
		d.IsActive, d.LastSeen, d.RegistrationDate, d.DeactivatedAt, d.FailureCount,
		d.LastFailure, d.Tags, meta,
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (r *pgDeviceRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return d, err
}

func (r *pgDeviceRepository) FindActiveByUser(ctx context.Context, userID string) ([]*domain.Device, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE user_id = $1 AND is_active = TRUE AND push_enabled = TRUE`, userID)
	if err != nil {
		return nil, fmt.Errorf("find active devices: %w", err)
	}
	defer rows.Close()

	var devices []*domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (r *pgDeviceRepository) RefreshToken(ctx context.Context, id, token string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices
		SET device_token = $1, fcm_token = $1, last_seen = $2, is_active = TRUE,
		    deactivated_at = NULL, failure_count = 0
		WHERE id = $3`, token, at, id)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgDeviceRepository) Deactivate(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE devices
		SET is_active = FALSE, deactivated_at = $1, last_failure = $1,
		    metadata = metadata || jsonb_build_object('deactivationReason', $2::text)
		WHERE id = $3`, at, reason, id)
	return err
}

func (r *pgDeviceRepository) RecordFailure(ctx context.Context, id string, at time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		UPDATE devices
		SET failure_count = failure_count + 1, last_failure = $1
		WHERE id = $2
		RETURNING failure_count`, at, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return count, nil
}

func (r *pgDeviceRepository) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE devices SET failure_count = 0, last_seen = $1 WHERE id = $2`, at, id)
	return err
}

func (r *pgDeviceRepository) DeactivateStale(ctx context.Context, lastSeenBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices
		SET is_active = FALSE, deactivated_at = NOW(),
		    metadata = metadata || '{"deactivationReason":"stale"}'::jsonb
		WHERE is_active = TRUE AND last_seen < $1`, lastSeenBefore)
	if err != nil {
		return 0, fmt.Errorf("deactivate stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgDeviceRepository) DeleteDeactivatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM devices
		WHERE is_active = FALSE AND deactivated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete deactivated: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanDevice(row pgx.Row) (*domain.Device, error) {
	var d domain.Device
	var info, meta []byte
	err := row.Scan(
		&d.ID, &d.UserID, &d.Platform, &d.DeviceToken, &d.FCMToken, &d.AppVersion, &info,
		&d.PushSettings.Enabled, &d.PushSettings.Sound, &d.PushSettings.Badge, &d.PushSettings.Alert,
		&d.IsActive, &d.LastSeen, &d.RegistrationDate, &d.DeactivatedAt, &d.FailureCount,
		&d.LastFailure, &d.Tags, &meta,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(info, &d.DeviceInfo); err != nil {
		return nil, fmt.Errorf("decode device info: %w", err)
	}
	if err := json.Unmarshal(meta, &d.Metadata); err != nil {
		return nil, fmt.Errorf("decode device metadata: %w", err)
	}
	return &d, nil
}
