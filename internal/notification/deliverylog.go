package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryLog appends attempt outcomes to the delivery_logs table
type DeliveryLog struct {
	db DB
}

// NewDeliveryLog creates a new delivery log writer
func NewDeliveryLog(db DB) *DeliveryLog {
	return &DeliveryLog{db: db}
}

// Append writes one entry. ID and CreatedAt are filled when empty.
func (l *DeliveryLog) Append(ctx context.Context, e DeliveryLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO delivery_logs (id, notification_id, device_id, method, outcome, error, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := l.db.ExecContext(ctx, query,
		e.ID, e.NotificationID, e.DeviceID, nullString(string(e.Method)), e.Outcome, nullString(e.Error), e.LatencyMs, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append delivery log: %w", err)
	}
	return nil
}
