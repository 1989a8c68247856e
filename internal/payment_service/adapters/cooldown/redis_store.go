package cooldown

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis"
)

const keyPrefix = "payments:retry-cooldown:"

// setNXer is the part of *redis.Client the store needs.
type setNXer interface {
	SetNX(key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisStore grants one retry per key per cooldown window using SET NX with a TTL.
type RedisStore struct {
	client setNXer
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisClient builds the redis client used by the store.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return newStore(client, logger)
}

func newStore(client setNXer, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger.With("component", "retry_cooldown"), now: time.Now}
}

// Acquire returns true when no retry for key happened within ttl, and starts a new window.
func (s *RedisStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(keyPrefix+key, s.now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		s.logger.ErrorContext(ctx, "Cooldown check failed", "key", key, "error", err)
		return false, fmt.Errorf("retry cooldown for %s: %w", key, err)
	}
	if !ok {
		s.logger.InfoContext(ctx, "Retry refused during cooldown", "key", key, "ttl", ttl)
	}
	return ok, nil
}
