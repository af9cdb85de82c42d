// Package dedup suppresses repeated notifications for the same (device, tag)
// pair inside a short window. It is best-effort: a failing backend never
// blocks a notification.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDuplicate is returned by callers that refuse a notification the guard suppressed.
var ErrDuplicate = errors.New("duplicate notification suppressed")

// Guard decides whether a tagged notification may be shown.
type Guard interface {
	// Allow records (deviceID, tag) and reports whether it was not seen within the window.
	// An empty tag is always allowed.
	Allow(ctx context.Context, deviceID, tag string) (bool, error)
	// Forget releases a (deviceID, tag) recorded by Allow whose notification was never stored.
	Forget(ctx context.Context, deviceID, tag string) error
}

// Key returns the storage key for a (deviceID, tag) pair.
func Key(deviceID, tag string) string {
	return fmt.Sprintf("push:dedup:%s:%s", deviceID, tag)
}

// KeyClient stores a key only when it is absent and deletes keys.
type KeyClient interface {
	SetOnce(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// RedisGuard shares the window across processes with SET NX EX.
type RedisGuard struct {
	client KeyClient
	window time.Duration
	now    func() time.Time
}

// NewRedisGuard creates a guard backed by Redis.
func NewRedisGuard(client KeyClient, window time.Duration) *RedisGuard {
	return &RedisGuard{client: client, window: window, now: time.Now}
}

func (g *RedisGuard) Allow(ctx context.Context, deviceID, tag string) (bool, error) {
	if tag == "" {
		return true, nil
	}
	stored, err := g.client.SetOnce(ctx, Key(deviceID, tag), g.now().UnixMilli(), g.window)
	if err != nil {
		return true, fmt.Errorf("dedup check failed: %w", err)
	}
	return stored, nil
}

func (g *RedisGuard) Forget(ctx context.Context, deviceID, tag string) error {
	if tag == "" {
		return nil
	}
	if err := g.client.Delete(ctx, Key(deviceID, tag)); err != nil {
		return fmt.Errorf("dedup release failed: %w", err)
	}
	return nil
}

// MemoryGuard keeps last-shown timestamps in process memory.
type MemoryGuard struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewMemoryGuard creates an in-process guard.
func NewMemoryGuard(window time.Duration) *MemoryGuard {
	return &MemoryGuard{
		window:   window,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (g *MemoryGuard) Allow(_ context.Context, deviceID, tag string) (bool, error) {
	if tag == "" {
		return true, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := Key(deviceID, tag)
	if last, ok := g.lastSeen[key]; ok && now.Sub(last) < g.window {
		return false, nil
	}
	g.lastSeen[key] = now
	g.prune(now)
	return true, nil
}

func (g *MemoryGuard) Forget(_ context.Context, deviceID, tag string) error {
	g.mu.Lock()
	delete(g.lastSeen, Key(deviceID, tag))
	g.mu.Unlock()
	return nil
}

// prune drops expired entries so the map stays bounded by the window's traffic.
func (g *MemoryGuard) prune(now time.Time) {
	for k, t := range g.lastSeen {
		if now.Sub(t) >= g.window {
			delete(g.lastSeen, k)
		}
	}
}
