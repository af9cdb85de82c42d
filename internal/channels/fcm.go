package channels

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/alexnthnz/push-delivery/internal/config"
)

// MessagingClient is the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// ErrorClassifier reports whether a sender error means the credential is invalid.
type ErrorClassifier func(err error) bool

// FCMPermanentClassifier treats Firebase's unregistered and invalid-argument
// errors as permanent, plus any error whose text contains one of codes.
func FCMPermanentClassifier(codes []string) ErrorClassifier {
	lowered := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			lowered = append(lowered, strings.ToLower(c))
		}
	}
	return func(err error) bool {
		if err == nil {
			return false
		}
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return true
		}
		msg := strings.ToLower(err.Error())
		for _, c := range lowered {
			if strings.Contains(msg, c) {
				return true
			}
		}
		return false
	}
}

// FCMChannel handles push notifications using Firebase Cloud Messaging
type FCMChannel struct {
	client    MessagingClient
	timeout   time.Duration
	permanent ErrorClassifier
	logger    *zap.Logger
}

// NewFirebaseMessagingClient initializes the Firebase app from a credentials file.
func NewFirebaseMessagingClient(ctx context.Context, cfg config.FirebaseConfig) (*messaging.Client, error) {
	// Check if credentials file exists
	if _, err := os.Stat(cfg.CredentialsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("Firebase credentials file not found at %s", cfg.CredentialsPath)
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}
	return client, nil
}

// NewFCMChannel creates a new FCM channel
func NewFCMChannel(client MessagingClient, permanent ErrorClassifier, timeout time.Duration, logger *zap.Logger) *FCMChannel {
	return &FCMChannel{
		client:    client,
		timeout:   timeout,
		permanent: permanent,
		logger:    logger.With(zap.String("channel", ChannelFCM)),
	}
}

// SendFCM delivers msg to one registration token
func (f *FCMChannel) SendFCM(ctx context.Context, token string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	response, err := f.client.Send(ctx, BuildFCMMessage(token, msg))
	if err != nil {
		derr := &DeliveryError{Channel: ChannelFCM, Permanent: f.permanent(err), Err: err}
		f.logger.Warn("Failed to send FCM notification",
			zap.String("id", msg.NotificationID),
			zap.Bool("permanent", derr.Permanent),
			zap.Error(err),
		)
		return derr
	}

	f.logger.Debug("Sent FCM notification", zap.String("id", msg.NotificationID), zap.String("message_id", response))
	return nil
}

// BuildFCMMessage shapes the FCM message for the device platform. FCM data
// values must be strings.
func BuildFCMMessage(token string, msg Message) *messaging.Message {
	data := make(map[string]string, len(msg.Payload.Data)+4)
	for k, v := range msg.Payload.Data {
		data[k] = v
	}
	data["notification_id"] = msg.NotificationID
	data["device_id"] = msg.DeviceID
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if msg.Payload.URL != "" {
		data["url"] = msg.Payload.URL
	}
	if msg.Payload.Tag != "" {
		data["tag"] = msg.Payload.Tag
	}

	m := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title:    msg.Payload.Title,
			Body:     msg.Payload.Body,
			ImageURL: msg.Payload.Image,
		},
		Data: data,
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: msg.Payload.Title,
				Body:  msg.Payload.Body,
				Icon:  msg.Payload.Icon,
				Tag:   msg.Payload.Tag,
			},
		},
	}

	switch {
	case msg.Platform.IsIOS:
		badge := 1
		m.APNS = &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: msg.Payload.Title,
						Body:  msg.Payload.Body,
					},
					Sound: "default",
					Badge: &badge,
				},
			},
		}
	case msg.Platform.IsMobile:
		m.Android = &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Title:    msg.Payload.Title,
				Body:     msg.Payload.Body,
				Sound:    "default",
				Tag:      msg.Payload.Tag,
				Priority: messaging.PriorityHigh,
			},
		}
	}

	return m
}
