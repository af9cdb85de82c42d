package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DeviceStore is the contract shared by the Postgres registry and its cache.
type DeviceStore interface {
	Upsert(ctx context.Context, d Device) (bool, error)
	Get(ctx context.Context, deviceID string) (*Device, error)
	Touch(ctx context.Context, deviceID string, at time.Time) error
	ClearWebPush(ctx context.Context, deviceID string) error
	ClearFCMToken(ctx context.Context, deviceID string) error
}

// CacheClient is the subset of Redis operations the cache needs.
type CacheClient interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CachedRegistry adds read-aside caching to a DeviceStore. Every write
// invalidates the cached entry, so a cleared credential is never served stale.
type CachedRegistry struct {
	store  DeviceStore
	cache  CacheClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedRegistry decorates store with cache.
func NewCachedRegistry(store DeviceStore, cache CacheClient, ttl time.Duration, logger *zap.Logger) *CachedRegistry {
	return &CachedRegistry{store: store, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedRegistry) Get(ctx context.Context, deviceID string) (*Device, error) {
	key := c.cacheKey(deviceID)

	var cached Device
	if err := c.cache.GetJSON(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	d, err := c.store.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	// Cache population failures only cost a database read next time.
	if err := c.cache.SetJSON(ctx, key, d, c.ttl); err != nil {
		c.logger.Debug("Failed to cache device", zap.String("device_id", deviceID), zap.Error(err))
	}
	return d, nil
}

func (c *CachedRegistry) Upsert(ctx context.Context, d Device) (bool, error) {
	created, err := c.store.Upsert(ctx, d)
	if err != nil {
		return false, err
	}
	c.invalidate(ctx, d.DeviceID)
	return created, nil
}

func (c *CachedRegistry) Touch(ctx context.Context, deviceID string, at time.Time) error {
	if err := c.store.Touch(ctx, deviceID, at); err != nil {
		return err
	}
	c.invalidate(ctx, deviceID)
	return nil
}

// ClearWebPush evicts the entry before and after the write, so a failed
// eviction on one side still keeps the cleared subscription out of the cache.
func (c *CachedRegistry) ClearWebPush(ctx context.Context, deviceID string) error {
	c.invalidate(ctx, deviceID)
	if err := c.store.ClearWebPush(ctx, deviceID); err != nil {
		return err
	}
	c.invalidate(ctx, deviceID)
	return nil
}

func (c *CachedRegistry) ClearFCMToken(ctx context.Context, deviceID string) error {
	c.invalidate(ctx, deviceID)
	if err := c.store.ClearFCMToken(ctx, deviceID); err != nil {
		return err
	}
	c.invalidate(ctx, deviceID)
	return nil
}

// invalidate drops the cached entry. The write it follows has already
// succeeded, so a cache failure is only logged.
func (c *CachedRegistry) invalidate(ctx context.Context, deviceID string) {
	if err := c.cache.Delete(ctx, c.cacheKey(deviceID)); err != nil {
		c.logger.Warn("Failed to invalidate device cache", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func (c *CachedRegistry) cacheKey(deviceID string) string {
	return fmt.Sprintf("push:device:%s", deviceID)
}
