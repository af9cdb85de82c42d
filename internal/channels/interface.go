package channels

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexnthnz/push-delivery/internal/notification"
)

// Channel names used in logs, metrics and delivery errors
const (
	ChannelWebPush = "web_push"
	ChannelFCM     = "fcm"
)

// WebPushSender delivers one notification to one browser subscription.
type WebPushSender interface {
	SendWebPush(ctx context.Context, cred notification.WebPushCredential, msg Message) error
}

// FCMSender delivers one notification to one registration token.
type FCMSender interface {
	SendFCM(ctx context.Context, token string, msg Message) error
}

// Message is what a sender needs to build its channel-specific payload.
type Message struct {
	NotificationID string
	DeviceID       string
	Payload        notification.Payload
	Platform       notification.PlatformHints
}

// DeliveryError is returned by senders. Permanent means the credential itself
// is invalid and will never succeed again.
type DeliveryError struct {
	Channel    string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failure (status %d): %v", e.Channel, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failure: %v", e.Channel, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err carries a permanent DeliveryError.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}
