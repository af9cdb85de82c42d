package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/channels"
	"github.com/alexnthnz/push-delivery/internal/notification"
)

type mockWebPush struct {
	mock.Mock
}

func (m *mockWebPush) SendWebPush(ctx context.Context, cred notification.WebPushCredential, msg channels.Message) error {
	return m.Called(ctx, cred, msg).Error(0)
}

type mockFCM struct {
	mock.Mock
}

func (m *mockFCM) SendFCM(ctx context.Context, token string, msg channels.Message) error {
	return m.Called(ctx, token, msg).Error(0)
}

var validToken = strings.Repeat("a", 40) + ":APA91b" + strings.Repeat("Z", 20)

func webPushCred() *notification.WebPushCredential {
	return &notification.WebPushCredential{Endpoint: "https://push.example/abc", P256dh: "key", Auth: "auth"}
}

func activeDevice() notification.Device {
	now := time.Now()
	return notification.Device{DeviceID: "dev-1", IsActive: true, LastSeen: &now}
}

func pending() notification.PendingNotification {
	return notification.PendingNotification{
		ID:       "n-1",
		DeviceID: "dev-1",
		Payload:  notification.Payload{Title: "Nova venda"},
		State:    notification.StatePending,
	}
}

func TestDispatch_PrefersWebPush(t *testing.T) {
	web, fcm := new(mockWebPush), new(mockFCM)
	web.On("SendWebPush", mock.Anything, *webPushCred(), mock.Anything).Return(nil)

	d := activeDevice()
	d.WebPush = webPushCred()
	d.FCMToken = validToken

	res := NewPolicy(web, fcm, time.Hour, zap.NewNop()).Dispatch(context.Background(), pending(), d)

	assert.Equal(t, Delivered, res.Outcome)
	assert.Equal(t, notification.MethodWebPush, res.Method)
	web.AssertExpectations(t)
	fcm.AssertNotCalled(t, "SendFCM", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_FallsToFCMWithoutWebPush(t *testing.T) {
	web, fcm := new(mockWebPush), new(mockFCM)
	fcm.On("SendFCM", mock.Anything, validToken, mock.MatchedBy(func(m channels.Message) bool {
		return m.NotificationID == "n-1" && m.DeviceID == "dev-1"
	})).Return(nil)

	d := activeDevice()
	d.FCMToken = validToken

	res := NewPolicy(web, fcm, time.Hour, zap.NewNop()).Dispatch(context.Background(), pending(), d)

	assert.Equal(t, Delivered, res.Outcome)
	assert.Equal(t, notification.MethodFCM, res.Method)
	web.AssertNotCalled(t, "SendWebPush", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_InvalidTokenIsNoChannel(t *testing.T) {
	web, fcm := new(mockWebPush), new(mockFCM)
	d := activeDevice()
	d.FCMToken = "short-token"

	res := NewPolicy(web, fcm, time.Hour, zap.NewNop()).Dispatch(context.Background(), pending(), d)

	assert.Equal(t, QueuedNoChannel, res.Outcome)
	assert.Equal(t, notification.MethodFallbackQueued, res.Method)
	assert.False(t, res.Outcome.Attempted())
	fcm.AssertNotCalled(t, "SendFCM", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_InactiveDeviceIsNotAttempted(t *testing.T) {
	web := new(mockWebPush)
	d := activeDevice()
	d.IsActive = false
	d.WebPush = webPushCred()

	res := NewPolicy(web, nil, time.Hour, zap.NewNop()).Dispatch(context.Background(), pending(), d)

	assert.Equal(t, QueuedNoChannel, res.Outcome)
	web.AssertNotCalled(t, "SendWebPush", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_UnconfiguredChannelIsSkipped(t *testing.T) {
	fcm := new(mockFCM)
	fcm.On("SendFCM", mock.Anything, validToken, mock.Anything).Return(nil)

	d := activeDevice()
	d.WebPush = webPushCred()
	d.FCMToken = validToken

	res := NewPolicy(nil, fcm, time.Hour, zap.NewNop()).Dispatch(context.Background(), pending(), d)

	assert.Equal(t, notification.MethodFCM, res.Method)
	assert.Equal(t, Delivered, res.Outcome)
}

func TestDispatch_StaleDeviceIsStillAttempted(t *testing.T) {
	web := new(mockWebPush)
	web.On("SendWebPush", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	old := time.Now().Add(-48 * time.Hour)
	d := activeDevice()
	d.LastSeen = &old
	d.WebPush = webPushCred()

	res := NewPolicy(web, nil, 10*time.Minute, zap.NewNop()).Dispatch(context.Background(), pending(), d)

	assert.True(t, res.Stale)
	assert.Equal(t, Delivered, res.Outcome)
	web.AssertExpectations(t)
}

func TestDispatch_NoCrossChannelFallback(t *testing.T) {
	web, fcm := new(mockWebPush), new(mockFCM)
	web.On("SendWebPush", mock.Anything, mock.Anything, mock.Anything).
		Return(&channels.DeliveryError{Channel: channels.ChannelWebPush, StatusCode: 410, Permanent: true, Err: errors.New("gone")})

	d := activeDevice()
	d.WebPush = webPushCred()
	d.FCMToken = validToken

	res := NewPolicy(web, fcm, time.Hour, zap.NewNop()).Dispatch(context.Background(), pending(), d)

	assert.Equal(t, PermanentChannelFailure, res.Outcome)
	assert.Equal(t, notification.MethodWebPush, res.Method)
	fcm.AssertNotCalled(t, "SendFCM", mock.Anything, mock.Anything, mock.Anything)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Delivered, Classify(nil))
	assert.Equal(t, PermanentChannelFailure, Classify(&channels.DeliveryError{Permanent: true, Err: errors.New("x")}))
	assert.Equal(t, TransientFailure, Classify(&channels.DeliveryError{Err: errors.New("503")}))
	assert.Equal(t, TransientFailure, Classify(context.DeadlineExceeded))
	assert.Equal(t, TransientFailure, Classify(errors.New("boom")))
}
