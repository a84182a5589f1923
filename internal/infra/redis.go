// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 behind the narrow KV interface consumed by
// the idempotency store, the fraud velocity counters, and the event
// consumer's processed-marker check. A memory implementation backs tests and
// single-node degraded operation.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("infra: key not found")

// KV is the shared fast-store surface used across the gateway.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if absent; reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// IncrWithTTL atomically increments key and applies ttl on first write.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
}

// RedisKV adapts go-redis v9 to KV.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV connects to Redis and verifies connectivity with a ping.
func NewRedisKV(addr, password string, db int) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &RedisKV{rdb: rdb}, nil
}

func (a *RedisKV) Close() error {
	return a.rdb.Close()
}

func (a *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := a.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (a *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return a.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (a *RedisKV) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *RedisKV) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := a.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (a *RedisKV) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (a *RedisKV) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return a.rdb.SIsMember(ctx, key, member).Result()
}
