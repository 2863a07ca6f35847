package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter implements Counter over a Redis sorted set, one ZADD
// member per request timestamped by its own score — exactly the
// ZREMRANGEBYSCORE/ZCARD/ZADD/EXPIRE sequence the sliding window needs.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (r *RedisCounter) RemoveOlderThan(ctx context.Context, key string, cutoff float64) error {
	if err := r.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", cutoff)).Err(); err != nil {
		return fmt.Errorf("ratelimit: zremrangebyscore: %w", err)
	}
	return nil
}

func (r *RedisCounter) Count(ctx context.Context, key string) (int64, error) {
	count, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: zcard: %w", err)
	}
	return count, nil
}

func (r *RedisCounter) Add(ctx context.Context, key string, now float64) error {
	member := fmt.Sprintf("%f", now)
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: now, Member: member}).Err(); err != nil {
		return fmt.Errorf("ratelimit: zadd: %w", err)
	}
	return nil
}

func (r *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("ratelimit: expire: %w", err)
	}
	return nil
}
