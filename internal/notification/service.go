package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/dedup"
	"github.com/alexnthnz/push-delivery/internal/queue"
)

// NotificationStore is the part of Store the service depends on.
type NotificationStore interface {
	Enqueue(ctx context.Context, deviceID string, payload Payload, method DeliveryMethod) (*PendingNotification, error)
	Get(ctx context.Context, id string) (*PendingNotification, error)
	Stats(ctx context.Context, maxRetries int) (*Stats, error)
}

// EventPublisher announces newly enqueued notifications.
type EventPublisher interface {
	PublishEnqueued(ctx context.Context, evt queue.EnqueuedEvent) error
}

// Service handles device registration and notification enqueueing
type Service struct {
	store      NotificationStore
	devices    DeviceStore
	guard      dedup.Guard
	publisher  EventPublisher
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a new notification service. guard and publisher may be nil.
func NewService(store NotificationStore, devices DeviceStore, guard dedup.Guard, publisher EventPublisher, maxRetries int, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		devices:    devices,
		guard:      guard,
		publisher:  publisher,
		maxRetries: maxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// RegisterDevice upserts a device registration
func (s *Service) RegisterDevice(ctx context.Context, d Device) (bool, error) {
	created, err := s.devices.Upsert(ctx, d)
	if err != nil {
		return false, err
	}

	s.logger.Info("Device registered",
		zap.String("device_id", d.DeviceID),
		zap.Bool("created", created),
		zap.Bool("web_push", d.HasWebPush()),
		zap.Bool("fcm", d.FCMToken != ""),
	)
	return created, nil
}

// Heartbeat marks the device as recently seen
func (s *Service) Heartbeat(ctx context.Context, deviceID string) error {
	return s.devices.Touch(ctx, deviceID, s.now().UTC())
}

// Enqueue queues a notification for a device. A repeated tag for the same
// device inside the dedup window returns dedup.ErrDuplicate.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*PendingNotification, error) {
	if s.guard != nil && req.Tag != "" {
		allowed, err := s.guard.Allow(ctx, req.DeviceID, req.Tag)
		if err != nil {
			s.logger.Warn("Dedup check failed, enqueueing anyway", zap.Error(err))
		}
		if !allowed {
			s.logger.Info("Suppressed duplicate notification",
				zap.String("device_id", req.DeviceID),
				zap.String("tag", req.Tag),
			)
			return nil, dedup.ErrDuplicate
		}
	}

	n, err := s.store.Enqueue(ctx, req.DeviceID, req.Payload(), req.DeliveryMethod)
	if err != nil {
		if s.guard != nil && req.Tag != "" {
			if ferr := s.guard.Forget(ctx, req.DeviceID, req.Tag); ferr != nil {
				s.logger.Warn("Failed to release dedup key", zap.String("device_id", req.DeviceID), zap.Error(ferr))
			}
		}
		return nil, err
	}

	if s.publisher != nil {
		evt := queue.EnqueuedEvent{
			NotificationID: n.ID,
			DeviceID:       n.DeviceID,
			Tag:            req.Tag,
			CreatedAt:      n.CreatedAt,
		}
		if err := s.publisher.PublishEnqueued(ctx, evt); err != nil {
			// The row is durable; the next scheduled cycle will pick it up.
			s.logger.Warn("Failed to publish enqueue event", zap.String("id", n.ID), zap.Error(err))
		}
	}

	s.logger.Info("Enqueued notification", zap.String("id", n.ID), zap.String("device_id", n.DeviceID))
	return n, nil
}

// GetNotification retrieves a notification by ID
func (s *Service) GetNotification(ctx context.Context, id string) (*PendingNotification, error) {
	return s.store.Get(ctx, id)
}

// Stats returns aggregate delivery statistics
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	st, err := s.store.Stats(ctx, s.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return st, nil
}
