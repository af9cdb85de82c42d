package channels_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/channels"
	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/notification"
)

// newSubscription returns a credential with real browser-style keys so the
// payload can be encrypted.
func newSubscription(t *testing.T, endpoint string) notification.WebPushCredential {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	return notification.WebPushCredential{
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newWebPushChannel(t *testing.T) *channels.WebPushChannel {
	t.Helper()
	private, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	return channels.NewWebPushChannel(config.WebPushConfig{
		PublicKey:  public,
		PrivateKey: private,
		Subject:    "mailto:ops@example.com",
		TTL:        60,
	}, 2*time.Second, zap.NewNop())
}

func TestWebPush_StatusClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))

		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusCreated)
		case "/gone":
			w.WriteHeader(http.StatusGone)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	ch := newWebPushChannel(t)
	msg := channels.Message{
		NotificationID: "n-1",
		DeviceID:       "dev-1",
		Payload:        notification.Payload{Title: "Nova venda", Body: "R$ 10,00", Tag: "sale-1"},
	}

	tests := []struct {
		path      string
		wantErr   bool
		permanent bool
		status    int
	}{
		{path: "/ok"},
		{path: "/gone", wantErr: true, permanent: true, status: http.StatusGone},
		{path: "/missing", wantErr: true, permanent: true, status: http.StatusNotFound},
		{path: "/throttled", wantErr: true, status: http.StatusTooManyRequests},
		{path: "/boom", wantErr: true, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := ch.SendWebPush(context.Background(), newSubscription(t, server.URL+tt.path), msg)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var derr *channels.DeliveryError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.status, derr.StatusCode)
			assert.Equal(t, tt.permanent, channels.IsPermanent(err))
			assert.Equal(t, channels.ChannelWebPush, derr.Channel)
		})
	}
}

func TestWebPush_TransportErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL + "/closed"
	server.Close()

	err := newWebPushChannel(t).SendWebPush(context.Background(), newSubscription(t, endpoint), channels.Message{NotificationID: "n-2"})
	require.Error(t, err)
	assert.False(t, channels.IsPermanent(err))
}

func TestStatusSet(t *testing.T) {
	permanent := channels.StatusSet([]int{410})
	assert.True(t, permanent(410))
	assert.False(t, permanent(404))
}

func TestSystemDataKeysWinOnBothChannels(t *testing.T) {
	msg := channels.Message{
		NotificationID: "n-1",
		DeviceID:       "dev-1",
		Payload: notification.Payload{
			Title: "T",
			Body:  "B",
			Data:  map[string]string{"notification_id": "spoofed", "device_id": "spoofed", "sale": "42"},
		},
	}

	body, err := channels.BuildWebPushPayload(msg)
	require.NoError(t, err)
	var decoded struct {
		Notification struct {
			Title string `json:"title"`
		} `json:"notification"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "T", decoded.Notification.Title)
	assert.Equal(t, "n-1", decoded.Data["notification_id"])
	assert.Equal(t, "dev-1", decoded.Data["device_id"])
	assert.Equal(t, "42", decoded.Data["sale"])

	fcm := channels.BuildFCMMessage("tok", msg)
	assert.Equal(t, "n-1", fcm.Data["notification_id"])
	assert.Equal(t, "dev-1", fcm.Data["device_id"])
	assert.Equal(t, "42", fcm.Data["sale"])
}
