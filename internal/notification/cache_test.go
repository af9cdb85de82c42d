package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/database"
)

type mockDeviceStore struct {
	mock.Mock
}

func (m *mockDeviceStore) Upsert(ctx context.Context, d Device) (bool, error) {
	args := m.Called(ctx, d)
	return args.Bool(0), args.Error(1)
}

func (m *mockDeviceStore) Get(ctx context.Context, deviceID string) (*Device, error) {
	args := m.Called(ctx, deviceID)
	d, _ := args.Get(0).(*Device)
	return d, args.Error(1)
}

func (m *mockDeviceStore) Touch(ctx context.Context, deviceID string, at time.Time) error {
	return m.Called(ctx, deviceID, at).Error(0)
}

func (m *mockDeviceStore) ClearWebPush(ctx context.Context, deviceID string) error {
	return m.Called(ctx, deviceID).Error(0)
}

func (m *mockDeviceStore) ClearFCMToken(ctx context.Context, deviceID string) error {
	return m.Called(ctx, deviceID).Error(0)
}

func newCached(t *testing.T, store DeviceStore) (*CachedRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := database.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewCachedRegistry(store, client, time.Minute, zap.NewNop()), mr
}

func TestCachedRegistry_ReadAside(t *testing.T) {
	store := new(mockDeviceStore)
	store.On("Get", mock.Anything, "dev-1").
		Return(&Device{DeviceID: "dev-1", FCMToken: "tok", IsActive: true}, nil).Once()

	c, mr := newCached(t, store)
	ctx := context.Background()

	d, err := c.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "tok", d.FCMToken)
	assert.True(t, mr.Exists("push:device:dev-1"))

	d, err = c.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "tok", d.FCMToken)
	store.AssertNumberOfCalls(t, "Get", 1)
}

func TestCachedRegistry_ClearInvalidates(t *testing.T) {
	store := new(mockDeviceStore)
	store.On("Get", mock.Anything, "dev-1").
		Return(&Device{DeviceID: "dev-1", FCMToken: "tok", IsActive: true}, nil).Once()
	store.On("ClearFCMToken", mock.Anything, "dev-1").Return(nil)
	store.On("Get", mock.Anything, "dev-1").
		Return(&Device{DeviceID: "dev-1", IsActive: true}, nil).Once()

	c, mr := newCached(t, store)
	ctx := context.Background()

	_, err := c.Get(ctx, "dev-1")
	require.NoError(t, err)

	require.NoError(t, c.ClearFCMToken(ctx, "dev-1"))
	assert.False(t, mr.Exists("push:device:dev-1"))

	d, err := c.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, d.FCMToken)
}

func TestCachedRegistry_NotFoundIsNotCached(t *testing.T) {
	store := new(mockDeviceStore)
	store.On("Get", mock.Anything, "ghost").Return(nil, ErrDeviceNotFound)

	c, mr := newCached(t, store)
	_, err := c.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.False(t, mr.Exists("push:device:ghost"))
}

func TestCachedRegistry_WriteErrorSkipsInvalidation(t *testing.T) {
	store := new(mockDeviceStore)
	store.On("Touch", mock.Anything, "ghost", fixedNow).Return(ErrDeviceNotFound)

	c, _ := newCached(t, store)
	err := c.Touch(context.Background(), "ghost", fixedNow)
	assert.True(t, errors.Is(err, ErrDeviceNotFound))
}

// failingDeleteCache fails every Delete after the first.
type failingDeleteCache struct {
	CacheClient
	deletes int
}

func (f *failingDeleteCache) Delete(ctx context.Context, keys ...string) error {
	f.deletes++
	if f.deletes > 1 {
		return errors.New("redis unavailable")
	}
	return f.CacheClient.Delete(ctx, keys...)
}

func TestCachedRegistry_ClearSurvivesLateEvictionFailure(t *testing.T) {
	store := new(mockDeviceStore)
	store.On("Get", mock.Anything, "dev-1").
		Return(&Device{DeviceID: "dev-1", FCMToken: "tok", IsActive: true}, nil).Once()
	store.On("ClearFCMToken", mock.Anything, "dev-1").Return(nil)

	mr := miniredis.RunT(t)
	client := database.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	cache := &failingDeleteCache{CacheClient: client}
	c := NewCachedRegistry(store, cache, time.Minute, zap.NewNop())
	ctx := context.Background()

	_, err := c.Get(ctx, "dev-1")
	require.NoError(t, err)
	require.True(t, mr.Exists("push:device:dev-1"))

	require.NoError(t, c.ClearFCMToken(ctx, "dev-1"))
	assert.Equal(t, 2, cache.deletes)
	assert.False(t, mr.Exists("push:device:dev-1"), "evicted before the write")
}
