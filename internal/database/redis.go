package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/retry"
)

// RedisClient wraps redis.Client for caching and dedup operations
type RedisClient struct {
	*redis.Client
}

// NewRedisClient creates a new Redis client, retrying the initial ping with backoff.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, policy retry.Policy, logger *zap.Logger) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	err := retry.Do(ctx, policy, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}, func(err error, wait time.Duration) {
		logger.Warn("Redis not reachable, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{Client: rdb}, nil
}

// NewRedisClientFrom wraps an existing client.
func NewRedisClientFrom(rdb *redis.Client) *RedisClient {
	return &RedisClient{Client: rdb}
}

// GetJSON loads key into dest. A missing key returns redis.Nil.
func (r *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := r.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(val, dest)
}

// SetJSON stores value as JSON with a TTL.
func (r *RedisClient) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.Set(ctx, key, data, ttl).Err()
}

// Delete removes keys.
func (r *RedisClient) Delete(ctx context.Context, keys ...string) error {
	return r.Del(ctx, keys...).Err()
}

// SetOnce stores key only if absent and reports whether it was stored.
func (r *RedisClient) SetOnce(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return r.SetNX(ctx, key, value, ttl).Result()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}
