package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/retry"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *mockWriter) Close() error { return nil }

// scriptedReader replays a fixed sequence of results, then blocks until ctx is done.
type scriptedReader struct {
	mu      sync.Mutex
	results []readResult
}

type readResult struct {
	msg kafka.Message
	err error
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.results) > 0 {
		next := r.results[0]
		r.results = r.results[1:]
		r.mu.Unlock()
		return next.msg, next.err
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) Close() error { return nil }

func eventMessage(t *testing.T, evt EnqueuedEvent) kafka.Message {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return kafka.Message{Value: data}
}

func fastPolicy() retry.Policy {
	return retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}
}

func TestPublishEnqueued_KeysByDevice(t *testing.T) {
	w := new(mockWriter)
	p := NewProducerWithWriter(w)

	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 {
			return false
		}
		var evt EnqueuedEvent
		if err := json.Unmarshal(msgs[0].Value, &evt); err != nil {
			return false
		}
		return string(msgs[0].Key) == "dev-1" && evt.NotificationID == "n-1" && evt.Tag == "sale-1"
	})).Return(nil)

	err := p.PublishEnqueued(context.Background(), EnqueuedEvent{NotificationID: "n-1", DeviceID: "dev-1", Tag: "sale-1"})
	require.NoError(t, err)
	w.AssertExpectations(t)
}

func TestPublishEnqueued_WrapsWriterError(t *testing.T) {
	w := new(mockWriter)
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	err := NewProducerWithWriter(w).PublishEnqueued(context.Background(), EnqueuedEvent{NotificationID: "n-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestConsume_DeliversEventsAndSkipsGarbage(t *testing.T) {
	reader := &scriptedReader{results: []readResult{
		{msg: eventMessage(t, EnqueuedEvent{NotificationID: "n-1", DeviceID: "dev-1"})},
		{msg: kafka.Message{Value: []byte("not json")}},
		{err: errors.New("temporary network error")},
		{msg: eventMessage(t, EnqueuedEvent{NotificationID: "n-2", DeviceID: "dev-2"})},
	}}
	c := NewConsumerWithReader(reader, fastPolicy(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(_ context.Context, evt EnqueuedEvent) error {
			mu.Lock()
			got = append(got, evt.NotificationID)
			n := len(got)
			mu.Unlock()
			if n == 2 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []string{"n-1", "n-2"}, got)
}

func TestConsume_GivesUpAfterRepeatedReadErrors(t *testing.T) {
	var results []readResult
	for i := 0; i < 10; i++ {
		results = append(results, readResult{err: errors.New("connection refused")})
	}
	c := NewConsumerWithReader(&scriptedReader{results: results}, fastPolicy(), zap.NewNop())

	err := c.Consume(context.Background(), func(context.Context, EnqueuedEvent) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up")
}
