package notification

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// State represents the delivery state of a pending notification
type State string

const (
	StatePending   State = "pending"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// DeliveryMethod records which channel strategy was used or attempted
type DeliveryMethod string

const (
	MethodWebPush        DeliveryMethod = "web_push"
	MethodFCM            DeliveryMethod = "fcm"
	MethodFallbackQueued DeliveryMethod = "fallback_queued"
)

// ExpiredError is the last_error of notifications failed by the retention sweep.
const ExpiredError = "expired"

var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidCredential    = errors.New("web push subscription requires endpoint, p256dh and auth")
)

// Payload is the notification content. It is immutable after enqueue.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Tag   string            `json:"tag,omitempty"`
	URL   string            `json:"url,omitempty"`
	Icon  string            `json:"icon,omitempty"`
	Image string            `json:"image,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Value implements driver.Valuer so Payload can be written to a jsonb column.
func (p Payload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for jsonb payloads.
func (p *Payload) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = Payload{}
		return nil
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
}

// PendingNotification is a queued notification and its delivery state
type PendingNotification struct {
	ID             string         `json:"id"`
	DeviceID       string         `json:"device_id"`
	Payload        Payload        `json:"payload"`
	DeliveryMethod DeliveryMethod `json:"delivery_method,omitempty"`
	State          State          `json:"state"`
	AttemptCount   int            `json:"attempt_count"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

// WebPushCredential is a browser push subscription. All three fields are required.
type WebPushCredential struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// Complete reports whether every part of the subscription is present.
func (c WebPushCredential) Complete() bool {
	return c.Endpoint != "" && c.P256dh != "" && c.Auth != ""
}

// Empty reports whether no part of the subscription is present.
func (c WebPushCredential) Empty() bool {
	return c.Endpoint == "" && c.P256dh == "" && c.Auth == ""
}

// PlatformHints shape channel payloads; they never change channel selection.
type PlatformHints struct {
	IsMobile bool `json:"is_mobile"`
	IsIOS    bool `json:"is_ios"`
}

// Device is a registered client endpoint
type Device struct {
	DeviceID          string             `json:"device_id"`
	WebPush           *WebPushCredential `json:"web_push,omitempty"`
	FCMToken          string             `json:"fcm_token,omitempty"`
	FCMTokenUpdatedAt *time.Time         `json:"fcm_token_updated_at,omitempty"`
	IsActive          bool               `json:"is_active"`
	LastSeen          *time.Time         `json:"last_seen,omitempty"`
	Platform          PlatformHints      `json:"platform"`
	PlatformName      string             `json:"platform_name,omitempty"`
	UserAgent         string             `json:"user_agent,omitempty"`
	Language          string             `json:"language,omitempty"`
	Timezone          string             `json:"timezone,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Validate enforces the all-or-nothing Web Push credential rule.
func (d Device) Validate() error {
	if d.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if d.WebPush != nil && !d.WebPush.Complete() {
		return ErrInvalidCredential
	}
	return nil
}

// HasWebPush reports whether the device holds a complete Web Push subscription.
func (d Device) HasWebPush() bool {
	return d.WebPush != nil && d.WebPush.Complete()
}

// HasValidFCMToken reports whether the device holds a well-formed FCM token.
func (d Device) HasValidFCMToken() bool {
	return IsValidFCMToken(d.FCMToken)
}

var fcmTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_:-]+$`)

// IsValidFCMToken applies the minimal format check for registration tokens.
func IsValidFCMToken(token string) bool {
	return len(token) > 50 && fcmTokenPattern.MatchString(token)
}

// DeliveryLogEntry records one delivery attempt. It is append-only.
type DeliveryLogEntry struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notification_id"`
	DeviceID       string         `json:"device_id"`
	Method         DeliveryMethod `json:"method"`
	Outcome        string         `json:"outcome"`
	Error          string         `json:"error,omitempty"`
	LatencyMs      int64          `json:"latency_ms"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Stats summarises the notification table and the delivery log
type Stats struct {
	Pending       int64 `json:"pending"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Exhausted     int64 `json:"exhausted"`
	Attempts24h   int64 `json:"attempts_24h"`
	Delivered24h  int64 `json:"delivered_24h"`
	ActiveDevices int64 `json:"active_devices"`
}

// EnqueueRequest represents a request to queue a notification for a device
type EnqueueRequest struct {
	DeviceID       string            `json:"device_id" validate:"required"`
	Title          string            `json:"title" validate:"required"`
	Body           string            `json:"body"`
	Tag            string            `json:"tag,omitempty" validate:"max=128"`
	URL            string            `json:"url,omitempty"`
	Icon           string            `json:"icon,omitempty"`
	Image          string            `json:"image,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	DeliveryMethod DeliveryMethod    `json:"delivery_method,omitempty" validate:"omitempty,oneof=web_push fcm fallback_queued"`
}

// Payload builds the stored payload for the request.
func (r EnqueueRequest) Payload() Payload {
	return Payload{
		Title: r.Title,
		Body:  r.Body,
		Tag:   r.Tag,
		URL:   r.URL,
		Icon:  r.Icon,
		Image: r.Image,
		Data:  r.Data,
	}
}
