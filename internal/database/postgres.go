package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/retry"
)

// PostgresDB wraps sql.DB for PostgreSQL operations
type PostgresDB struct {
	*sql.DB
}

// DSN builds the lib/pq connection string.
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
}

// NewPostgresDB creates a new PostgreSQL database connection, retrying the
// initial ping with backoff.
func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, policy retry.Policy, logger *zap.Logger) (*PostgresDB, error) {
	db, err := sql.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, policy, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}, func(err error, wait time.Duration) {
		logger.Warn("PostgreSQL not reachable, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{DB: db}, nil
}

// InitSchema initializes the database schema
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	schema := `
	-- Registered devices
	CREATE TABLE IF NOT EXISTS devices (
		device_id VARCHAR(255) PRIMARY KEY,
		web_push_endpoint TEXT,
		web_push_p256dh TEXT,
		web_push_auth TEXT,
		fcm_token TEXT,
		fcm_token_updated_at TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT true,
		last_seen TIMESTAMPTZ,
		is_mobile BOOLEAN NOT NULL DEFAULT false,
		is_ios BOOLEAN NOT NULL DEFAULT false,
		platform VARCHAR(100),
		user_agent TEXT,
		language VARCHAR(35),
		timezone VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT web_push_complete CHECK (
			(web_push_endpoint IS NULL AND web_push_p256dh IS NULL AND web_push_auth IS NULL) OR
			(web_push_endpoint IS NOT NULL AND web_push_p256dh IS NOT NULL AND web_push_auth IS NOT NULL)
		)
	);

	-- Pending notifications
	CREATE TABLE IF NOT EXISTS pending_notifications (
		id UUID PRIMARY KEY,
		device_id VARCHAR(255) NOT NULL,
		payload JSONB NOT NULL,
		delivery_method VARCHAR(32),
		state VARCHAR(16) NOT NULL DEFAULT 'pending', -- pending, delivered, failed
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_attempt_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ
	);

	-- Append-only delivery attempts
	CREATE TABLE IF NOT EXISTS delivery_logs (
		id UUID PRIMARY KEY,
		notification_id UUID NOT NULL,
		device_id VARCHAR(255) NOT NULL,
		method VARCHAR(32),
		outcome VARCHAR(32) NOT NULL,
		error TEXT,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_pending_notifications_fetch ON pending_notifications(state, attempt_count, created_at);
	CREATE INDEX IF NOT EXISTS idx_pending_notifications_device ON pending_notifications(device_id);
	CREATE INDEX IF NOT EXISTS idx_devices_fcm_token ON devices(fcm_token);
	CREATE INDEX IF NOT EXISTS idx_delivery_logs_created_at ON delivery_logs(created_at);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *PostgresDB) Close() error {
	return db.DB.Close()
}
