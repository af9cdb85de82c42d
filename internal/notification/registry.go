package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Registry stores device registrations in PostgreSQL
type Registry struct {
	db  DB
	now func() time.Time
}

// NewRegistry creates a new device registry
func NewRegistry(db DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Upsert creates or updates a device keyed by device_id. Partial Web Push
// credentials are rejected. It reports whether a new row was created.
func (r *Registry) Upsert(ctx context.Context, d Device) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}

	now := r.now().UTC()
	var endpoint, p256dh, auth sql.NullString
	if d.WebPush != nil {
		endpoint = nullString(d.WebPush.Endpoint)
		p256dh = nullString(d.WebPush.P256dh)
		auth = nullString(d.WebPush.Auth)
	}
	lastSeen := d.LastSeen
	if lastSeen == nil {
		lastSeen = &now
	}

	query := `
		INSERT INTO devices (device_id, web_push_endpoint, web_push_p256dh, web_push_auth,
			fcm_token, fcm_token_updated_at, is_active, last_seen, is_mobile, is_ios,
			platform, user_agent, language, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CASE WHEN $5::text IS NULL THEN NULL ELSE $6::timestamptz END,
			$7, $8, $9, $10, $11, $12, $13, $14, $6, $6)
		ON CONFLICT (device_id) DO UPDATE SET
			web_push_endpoint = EXCLUDED.web_push_endpoint,
			web_push_p256dh = EXCLUDED.web_push_p256dh,
			web_push_auth = EXCLUDED.web_push_auth,
			fcm_token_updated_at = CASE
				WHEN EXCLUDED.fcm_token IS DISTINCT FROM devices.fcm_token THEN EXCLUDED.fcm_token_updated_at
				ELSE devices.fcm_token_updated_at END,
			fcm_token = EXCLUDED.fcm_token,
			is_active = EXCLUDED.is_active,
			last_seen = EXCLUDED.last_seen,
			is_mobile = EXCLUDED.is_mobile,
			is_ios = EXCLUDED.is_ios,
			platform = EXCLUDED.platform,
			user_agent = EXCLUDED.user_agent,
			language = EXCLUDED.language,
			timezone = EXCLUDED.timezone,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)
	`

	var created bool
	err := r.db.QueryRowContext(ctx, query,
		d.DeviceID, endpoint, p256dh, auth,
		nullString(d.FCMToken), now,
		d.IsActive, *lastSeen, d.Platform.IsMobile, d.Platform.IsIOS,
		nullString(d.PlatformName), nullString(d.UserAgent), nullString(d.Language), nullString(d.Timezone),
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert device: %w", err)
	}

	return created, nil
}

// Get retrieves a device by ID
func (r *Registry) Get(ctx context.Context, deviceID string) (*Device, error) {
	query := `
		SELECT device_id, web_push_endpoint, web_push_p256dh, web_push_auth,
		       fcm_token, fcm_token_updated_at, is_active, last_seen, is_mobile, is_ios,
		       platform, user_agent, language, timezone, created_at, updated_at
		FROM devices WHERE device_id = $1
	`

	var d Device
	var endpoint, p256dh, auth, fcmToken, platform, userAgent, language, timezone sql.NullString
	var fcmUpdatedAt, lastSeen sql.NullTime

	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&d.DeviceID, &endpoint, &p256dh, &auth,
		&fcmToken, &fcmUpdatedAt, &d.IsActive, &lastSeen, &d.Platform.IsMobile, &d.Platform.IsIOS,
		&platform, &userAgent, &language, &timezone, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	if endpoint.Valid && p256dh.Valid && auth.Valid {
		d.WebPush = &WebPushCredential{
			Endpoint: endpoint.String,
			P256dh:   p256dh.String,
			Auth:     auth.String,
		}
	}
	d.FCMToken = fcmToken.String
	d.PlatformName = platform.String
	d.UserAgent = userAgent.String
	d.Language = language.String
	d.Timezone = timezone.String
	if fcmUpdatedAt.Valid {
		d.FCMTokenUpdatedAt = &fcmUpdatedAt.Time
	}
	if lastSeen.Valid {
		d.LastSeen = &lastSeen.Time
	}

	return &d, nil
}

// Touch records a liveness signal for the device
func (r *Registry) Touch(ctx context.Context, deviceID string, at time.Time) error {
	query := `UPDATE devices SET last_seen = $1, updated_at = $1 WHERE device_id = $2`
	return r.execOne(ctx, "touch device", query, at, deviceID)
}

// ClearWebPush removes the Web Push subscription of a device
func (r *Registry) ClearWebPush(ctx context.Context, deviceID string) error {
	query := `
		UPDATE devices
		SET web_push_endpoint = NULL, web_push_p256dh = NULL, web_push_auth = NULL, updated_at = $1
		WHERE device_id = $2
	`
	return r.execOne(ctx, "clear web push subscription", query, r.now().UTC(), deviceID)
}

// ClearFCMToken removes the FCM token of a device
func (r *Registry) ClearFCMToken(ctx context.Context, deviceID string) error {
	query := `
		UPDATE devices
		SET fcm_token = NULL, fcm_token_updated_at = NULL, updated_at = $1
		WHERE device_id = $2
	`
	return r.execOne(ctx, "clear fcm token", query, r.now().UTC(), deviceID)
}

func (r *Registry) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
