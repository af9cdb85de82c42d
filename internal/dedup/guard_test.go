package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/push-delivery/internal/database"
)

func TestMemoryGuard_SuppressesWithinWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewMemoryGuard(60 * time.Second)
	g.now = func() time.Time { return now }

	ok, err := g.Allow(ctx, "dev-1", "sale-42")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(30 * time.Second)
	ok, _ = g.Allow(ctx, "dev-1", "sale-42")
	assert.False(t, ok, "same tag inside the window")

	ok, _ = g.Allow(ctx, "dev-1", "sale-43")
	assert.True(t, ok, "different tag is never blocked")

	ok, _ = g.Allow(ctx, "dev-2", "sale-42")
	assert.True(t, ok, "same tag on another device is allowed")

	now = now.Add(31 * time.Second)
	ok, _ = g.Allow(ctx, "dev-1", "sale-42")
	assert.True(t, ok, "window expired")
}

func TestMemoryGuard_EmptyTagAlwaysAllowed(t *testing.T) {
	g := NewMemoryGuard(time.Minute)
	for i := 0; i < 3; i++ {
		ok, err := g.Allow(context.Background(), "dev-1", "")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestMemoryGuard_ForgetReleasesTag(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard(time.Minute)

	ok, _ := g.Allow(ctx, "dev-1", "sale-42")
	require.True(t, ok)
	require.NoError(t, g.Forget(ctx, "dev-1", "sale-42"))

	ok, _ = g.Allow(ctx, "dev-1", "sale-42")
	assert.True(t, ok)
}

func TestMemoryGuard_PrunesExpiredEntries(t *testing.T) {
	now := time.Now()
	g := NewMemoryGuard(time.Second)
	g.now = func() time.Time { return now }

	_, _ = g.Allow(context.Background(), "dev-1", "a")
	_, _ = g.Allow(context.Background(), "dev-1", "b")
	now = now.Add(2 * time.Second)
	_, _ = g.Allow(context.Background(), "dev-1", "c")

	assert.Len(t, g.lastSeen, 1)
}

func TestRedisGuard_SharedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := database.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	first := NewRedisGuard(client, time.Minute)
	second := NewRedisGuard(client, time.Minute)

	ok, err := first.Allow(ctx, "dev-1", "sale-7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Allow(ctx, "dev-1", "sale-7")
	require.NoError(t, err)
	assert.False(t, ok, "another process sees the same key")

	assert.True(t, mr.Exists(Key("dev-1", "sale-7")))
	mr.FastForward(61 * time.Second)

	ok, err = second.Allow(ctx, "dev-1", "sale-7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisGuard_ForgetDeletesKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := database.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	g := NewRedisGuard(client, time.Minute)
	ok, err := g.Allow(ctx, "dev-1", "sale-7")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Forget(ctx, "dev-1", "sale-7"))
	assert.False(t, mr.Exists(Key("dev-1", "sale-7")))

	ok, err = g.Allow(ctx, "dev-1", "sale-7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisGuard_BackendFailureAllows(t *testing.T) {
	mr := miniredis.RunT(t)
	client := database.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })
	mr.Close()

	ok, err := NewRedisGuard(client, time.Minute).Allow(context.Background(), "dev-1", "sale-7")
	assert.Error(t, err)
	assert.True(t, ok)
}
