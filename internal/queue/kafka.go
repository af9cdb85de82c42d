package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/retry"
)

// EnqueuedEvent announces that a pending notification row was written
type EnqueuedEvent struct {
	NotificationID string    `json:"notification_id"`
	DeviceID       string    `json:"device_id"`
	Tag            string    `json:"tag,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageWriter is the subset of *kafka.Writer used by the producer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the subset of *kafka.Reader used by the consumer.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Producer handles publishing messages to Kafka
type Producer struct {
	writer MessageWriter
}

// Consumer handles consuming messages from Kafka
type Consumer struct {
	reader MessageReader
	policy retry.Policy
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg config.KafkaConfig) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		Async:        false, // Synchronous for reliability
	}

	return &Producer{writer: writer}
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{writer: w}
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg config.KafkaConfig, policy retry.Policy, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
		StartOffset: kafka.LastOffset,
	})

	return NewConsumerWithReader(reader, policy, logger)
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r MessageReader, policy retry.Policy, logger *zap.Logger) *Consumer {
	return &Consumer{reader: r, policy: policy, logger: logger}
}

// PublishEnqueued publishes an enqueue event keyed by device so events for one
// device stay ordered on a partition.
func (p *Producer) PublishEnqueued(ctx context.Context, evt EnqueuedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal enqueue event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(evt.DeviceID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "notification_id", Value: []byte(evt.NotificationID)},
		},
		Time: time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}
	return nil
}

// Consume reads enqueue events until ctx is done. Read errors back off
// exponentially; malformed messages are logged and skipped. Handler errors are
// logged and do not stop consumption.
func (c *Consumer) Consume(ctx context.Context, handler func(context.Context, EnqueuedEvent) error) error {
	b := c.policy.NewBackOff(ctx)
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := b.NextBackOff()
			if wait < 0 {
				return fmt.Errorf("kafka consumer gave up: %w", err)
			}
			c.logger.Warn("Error reading message from Kafka", zap.Error(err), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		var evt EnqueuedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			c.logger.Warn("Skipping malformed enqueue event", zap.Error(err), zap.Int64("offset", msg.Offset))
			continue
		}

		if err := handler(ctx, evt); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Error("Error handling enqueue event", zap.String("notification_id", evt.NotificationID), zap.Error(err))
		}
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
