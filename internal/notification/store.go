package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DB is the subset of *sql.DB used by the Postgres stores.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store persists pending notifications in PostgreSQL
type Store struct {
	db  DB
	now func() time.Time
}

// NewStore creates a new notification store
func NewStore(db DB) *Store {
	return &Store{db: db, now: time.Now}
}

const notificationColumns = `id, device_id, payload, delivery_method, state, attempt_count,
	last_error, created_at, last_attempt_at, delivered_at`

// Enqueue inserts a new pending notification with zero attempts
func (s *Store) Enqueue(ctx context.Context, deviceID string, payload Payload, method DeliveryMethod) (*PendingNotification, error) {
	n := &PendingNotification{
		ID:             uuid.New().String(),
		DeviceID:       deviceID,
		Payload:        payload,
		DeliveryMethod: method,
		State:          StatePending,
		CreatedAt:      s.now().UTC(),
	}

	query := `
		INSERT INTO pending_notifications (id, device_id, payload, delivery_method, state, attempt_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		n.ID, n.DeviceID, n.Payload, nullString(string(n.DeliveryMethod)), n.State, n.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert notification: %w", err)
	}

	return n, nil
}

// FetchPending returns up to limit undelivered notifications under the retry
// limit, oldest first.
func (s *Store) FetchPending(ctx context.Context, limit, maxRetries int) ([]PendingNotification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM pending_notifications
		WHERE state = $1 AND attempt_count < $2
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, StatePending, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending notifications: %w", err)
	}
	defer rows.Close()

	var out []PendingNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending notifications: %w", err)
	}

	return out, nil
}

// Get retrieves a notification by ID
func (s *Store) Get(ctx context.Context, id string) (*PendingNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM pending_notifications WHERE id = $1`

	n, err := scanNotification(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// MarkDelivered records a successful attempt. It only applies to rows that are
// still pending, so delivered_at is set at most once.
func (s *Store) MarkDelivered(ctx context.Context, id string, method DeliveryMethod, at time.Time) error {
	query := `
		UPDATE pending_notifications
		SET state = $1, delivery_method = $2, attempt_count = attempt_count + 1,
		    last_error = NULL, last_attempt_at = $3, delivered_at = $3
		WHERE id = $4 AND state = $5
	`
	return s.execOne(ctx, "mark notification delivered", query,
		StateDelivered, method, at, id, StatePending)
}

// RecordFailure records a failed attempt. The row turns failed once the
// attempt count reaches maxRetries. An empty method keeps the stored one.
func (s *Store) RecordFailure(ctx context.Context, id string, method DeliveryMethod, errMsg string, at time.Time, maxRetries int) error {
	query := `
		UPDATE pending_notifications
		SET attempt_count = attempt_count + 1,
		    state = CASE WHEN attempt_count + 1 >= $1 THEN $2 ELSE $3 END,
		    delivery_method = COALESCE($4, delivery_method), last_error = $5, last_attempt_at = $6
		WHERE id = $7 AND state = $3
	`
	return s.execOne(ctx, "record delivery failure", query,
		maxRetries, StateFailed, StatePending, nullString(string(method)), errMsg, at, id)
}

// MarkFailed terminally fails a notification after a single attempt.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error {
	query := `
		UPDATE pending_notifications
		SET state = $1, attempt_count = attempt_count + 1, last_error = $2, last_attempt_at = $3
		WHERE id = $4 AND state = $5
	`
	return s.execOne(ctx, "mark notification failed", query,
		StateFailed, errMsg, at, id, StatePending)
}

// MarkQueued tags a notification as waiting for a channel without counting an attempt.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	query := `
		UPDATE pending_notifications
		SET delivery_method = $1
		WHERE id = $2 AND state = $3
	`
	return s.execOne(ctx, "mark notification queued", query,
		MethodFallbackQueued, id, StatePending)
}

// DeleteFailedBefore removes failed or exhausted notifications created before cutoff.
func (s *Store) DeleteFailedBefore(ctx context.Context, cutoff time.Time, maxRetries int) (int64, error) {
	query := `
		DELETE FROM pending_notifications
		WHERE state <> $1 AND (state = $2 OR attempt_count >= $3) AND created_at < $4
	`
	res, err := s.db.ExecContext(ctx, query, StateDelivered, StateFailed, maxRetries, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete failed notifications: %w", err)
	}
	return res.RowsAffected()
}

// ExpirePendingBefore fails notifications still pending since before cutoff.
// The attempt count is left untouched.
func (s *Store) ExpirePendingBefore(ctx context.Context, cutoff, at time.Time) (int64, error) {
	query := `
		UPDATE pending_notifications
		SET state = $1, last_error = $2, last_attempt_at = $3
		WHERE state = $4 AND created_at < $5
	`
	res, err := s.db.ExecContext(ctx, query, StateFailed, ExpiredError, at, StatePending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending notifications: %w", err)
	}
	return res.RowsAffected()
}

// Stats aggregates notification states, recent delivery log activity and device counts.
func (s *Store) Stats(ctx context.Context, maxRetries int) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE state = 'pending'),
			COUNT(*) FILTER (WHERE state = 'delivered'),
			COUNT(*) FILTER (WHERE state = 'failed'),
			COUNT(*) FILTER (WHERE state <> 'delivered' AND attempt_count >= $1),
			(SELECT COUNT(*) FROM delivery_logs WHERE created_at > $2),
			(SELECT COUNT(*) FROM delivery_logs WHERE created_at > $2 AND outcome = 'delivered'),
			(SELECT COUNT(*) FROM devices WHERE is_active)
		FROM pending_notifications
	`
	since := s.now().Add(-24 * time.Hour)

	var st Stats
	err := s.db.QueryRowContext(ctx, query, maxRetries, since).Scan(
		&st.Pending, &st.Delivered, &st.Failed, &st.Exhausted,
		&st.Attempts24h, &st.Delivered24h, &st.ActiveDevices,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}
	return &st, nil
}

func (s *Store) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to %s: %w", op, ErrNotificationNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*PendingNotification, error) {
	var n PendingNotification
	var method, lastError sql.NullString
	var lastAttemptAt, deliveredAt sql.NullTime

	err := row.Scan(
		&n.ID, &n.DeviceID, &n.Payload, &method, &n.State, &n.AttemptCount,
		&lastError, &n.CreatedAt, &lastAttemptAt, &deliveredAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}

	// Handle nullable fields
	if method.Valid {
		n.DeliveryMethod = DeliveryMethod(method.String)
	}
	if lastError.Valid {
		n.LastError = lastError.String
	}
	if lastAttemptAt.Valid {
		n.LastAttemptAt = &lastAttemptAt.Time
	}
	if deliveredAt.Valid {
		n.DeliveredAt = &deliveredAt.Time
	}

	return &n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
