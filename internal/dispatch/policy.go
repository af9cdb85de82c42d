// Package dispatch chooses a delivery channel for one pending notification,
// performs a single attempt and classifies the result.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/channels"
	"github.com/alexnthnz/push-delivery/internal/notification"
)

// Outcome classifies a dispatch attempt
type Outcome int

const (
	// Delivered means the channel accepted the notification.
	Delivered Outcome = iota
	// PermanentChannelFailure means the credential used is invalid and must be cleared.
	PermanentChannelFailure
	// TransientFailure means the attempt may succeed on a later cycle.
	TransientFailure
	// QueuedNoChannel means no usable channel exists; no attempt was made.
	QueuedNoChannel
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case PermanentChannelFailure:
		return "permanent_failure"
	case TransientFailure:
		return "transient_failure"
	case QueuedNoChannel:
		return "queued_no_channel"
	default:
		return "unknown"
	}
}

// Attempted reports whether a channel sender was invoked.
func (o Outcome) Attempted() bool {
	return o != QueuedNoChannel
}

// Result is the outcome of one Dispatch call
type Result struct {
	Outcome Outcome
	Method  notification.DeliveryMethod
	Err     error
	// Stale is set when the device's last_seen is older than the freshness window.
	Stale   bool
	Latency time.Duration
}

// Policy selects a channel in priority order: Web Push, then FCM, then queue.
// A nil sender disables its channel.
type Policy struct {
	webPush   channels.WebPushSender
	fcm       channels.FCMSender
	freshness time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewPolicy creates a dispatch policy
func NewPolicy(webPush channels.WebPushSender, fcm channels.FCMSender, freshness time.Duration, logger *zap.Logger) *Policy {
	return &Policy{
		webPush:   webPush,
		fcm:       fcm,
		freshness: freshness,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch attempts delivery of n to d through exactly one channel. It never
// falls back to a second channel within the same call.
func (p *Policy) Dispatch(ctx context.Context, n notification.PendingNotification, d notification.Device) Result {
	if !d.IsActive {
		return Result{Outcome: QueuedNoChannel, Method: notification.MethodFallbackQueued}
	}

	stale := p.isStale(d)
	if stale {
		// last_seen is advisory; a sleeping phone is still reachable through push.
		p.logger.Debug("Device likely offline, attempting anyway",
			zap.String("device_id", d.DeviceID),
			zap.String("id", n.ID),
		)
	}

	msg := channels.Message{
		NotificationID: n.ID,
		DeviceID:       d.DeviceID,
		Payload:        n.Payload,
		Platform:       d.Platform,
	}

	start := p.now()
	var method notification.DeliveryMethod
	var err error
	switch {
	case d.HasWebPush() && p.webPush != nil:
		method = notification.MethodWebPush
		err = p.webPush.SendWebPush(ctx, *d.WebPush, msg)
	case d.HasValidFCMToken() && p.fcm != nil:
		method = notification.MethodFCM
		err = p.fcm.SendFCM(ctx, d.FCMToken, msg)
	default:
		return Result{Outcome: QueuedNoChannel, Method: notification.MethodFallbackQueued, Stale: stale}
	}

	res := Result{Method: method, Err: err, Stale: stale, Latency: p.now().Sub(start)}
	res.Outcome = Classify(err)
	return res
}

// Classify maps a sender error onto an outcome. Anything that is not a
// permanent DeliveryError, including timeouts and cancellations, is transient.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Delivered
	case channels.IsPermanent(err):
		return PermanentChannelFailure
	default:
		return TransientFailure
	}
}

func (p *Policy) isStale(d notification.Device) bool {
	if d.LastSeen == nil {
		return true
	}
	return p.freshness > 0 && p.now().Sub(*d.LastSeen) > p.freshness
}
