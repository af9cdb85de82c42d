package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/notification"
)

// StatusClassifier reports whether an HTTP status from a push service means
// the subscription is gone for good.
type StatusClassifier func(status int) bool

// StatusSet builds a StatusClassifier from a list of status codes.
func StatusSet(codes []int) StatusClassifier {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(status int) bool {
		_, ok := set[status]
		return ok
	}
}

// WebPushChannel sends notifications with the Web Push protocol and VAPID
type WebPushChannel struct {
	publicKey  string
	privateKey string
	subject    string
	ttl        int
	timeout    time.Duration
	permanent  StatusClassifier
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebPushChannel creates a new Web Push channel
func NewWebPushChannel(cfg config.WebPushConfig, timeout time.Duration, logger *zap.Logger) *WebPushChannel {
	codes := cfg.PermanentStatusSet
	if len(codes) == 0 {
		codes = []int{http.StatusNotFound, http.StatusGone}
	}
	return &WebPushChannel{
		publicKey:  cfg.PublicKey,
		privateKey: cfg.PrivateKey,
		subject:    cfg.Subject,
		ttl:        cfg.TTL,
		timeout:    timeout,
		permanent:  StatusSet(codes),
		httpClient: &http.Client{},
		logger:     logger.With(zap.String("channel", ChannelWebPush)),
	}
}

// webPushPayload is the JSON document the service worker receives
type webPushPayload struct {
	Notification webPushNotification `json:"notification"`
	Data         map[string]string   `json:"data,omitempty"`
}

type webPushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Image string `json:"image,omitempty"`
	URL   string `json:"url,omitempty"`
}

// BuildWebPushPayload encodes the JSON body shown by the service worker.
// System keys win over user data, as in BuildFCMMessage.
func BuildWebPushPayload(msg Message) ([]byte, error) {
	data := make(map[string]string, len(msg.Payload.Data)+2)
	for k, v := range msg.Payload.Data {
		data[k] = v
	}
	data["notification_id"] = msg.NotificationID
	data["device_id"] = msg.DeviceID

	return json.Marshal(webPushPayload{
		Notification: webPushNotification{
			Title: msg.Payload.Title,
			Body:  msg.Payload.Body,
			Tag:   msg.Payload.Tag,
			Icon:  msg.Payload.Icon,
			Image: msg.Payload.Image,
			URL:   msg.Payload.URL,
		},
		Data: data,
	})
}

// SendWebPush delivers msg to one subscription
func (w *WebPushChannel) SendWebPush(ctx context.Context, cred notification.WebPushCredential, msg Message) error {
	body, err := BuildWebPushPayload(msg)
	if err != nil {
		return &DeliveryError{Channel: ChannelWebPush, Permanent: false, Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	sub := &webpush.Subscription{
		Endpoint: cred.Endpoint,
		Keys: webpush.Keys{
			P256dh: cred.P256dh,
			Auth:   cred.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, &webpush.Options{
		Subscriber:      w.subject,
		VAPIDPublicKey:  w.publicKey,
		VAPIDPrivateKey: w.privateKey,
		TTL:             w.ttl,
		Urgency:         webpush.UrgencyHigh,
		HTTPClient:      w.httpClient,
	})
	if err != nil {
		// Transport, timeout or key-encoding error
		return &DeliveryError{Channel: ChannelWebPush, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	derr := &DeliveryError{
		Channel:    ChannelWebPush,
		StatusCode: resp.StatusCode,
		Permanent:  w.permanent(resp.StatusCode),
		Err:        fmt.Errorf("push service rejected: %s", string(detail)),
	}
	w.logger.Warn("Web Push rejected",
		zap.String("id", msg.NotificationID),
		zap.Int("status", resp.StatusCode),
		zap.Bool("permanent", derr.Permanent),
	)
	return derr
}
