package cooldown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSetNX struct {
	mock.Mock
}

func (m *MockSetNX) SetNX(key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(key, value, expiration)
	return args.Get(0).(*redis.BoolCmd)
}

func newTestStore(client setNXer) *RedisStore {
	s := newStore(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestRedisStore_Acquire(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstRetryAllowed", func(t *testing.T) {
		client := new(MockSetNX)
		client.On("SetNX", "payments:retry-cooldown:contribution:abc", "2024-03-01T09:00:00Z", 30*time.Second).
			Return(redis.NewBoolResult(true, nil)).Once()

		ok, err := newTestStore(client).Acquire(ctx, "contribution:abc", 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		client.AssertExpectations(t)
	})

	t.Run("SecondRetryRefused", func(t *testing.T) {
		client := new(MockSetNX)
		client.On("SetNX", "payments:retry-cooldown:contribution:abc", mock.Anything, 30*time.Second).
			Return(redis.NewBoolResult(false, nil)).Once()

		ok, err := newTestStore(client).Acquire(ctx, "contribution:abc", 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
		client.AssertExpectations(t)
	})

	t.Run("RedisError", func(t *testing.T) {
		client := new(MockSetNX)
		client.On("SetNX", mock.Anything, mock.Anything, mock.Anything).
			Return(redis.NewBoolResult(false, errors.New("dial tcp: connection refused"))).Once()

		ok, err := newTestStore(client).Acquire(ctx, "k", time.Second)
		require.Error(t, err)
		assert.False(t, ok)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		client := new(MockSetNX)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := newTestStore(client).Acquire(cctx, "k", time.Second)
		assert.ErrorIs(t, err, context.Canceled)
		client.AssertNotCalled(t, "SetNX", mock.Anything, mock.Anything, mock.Anything)
	})
}
