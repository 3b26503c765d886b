package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter shares one sliding window per caller across instances.
type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(redisURL string) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisRateLimiter{client: client}, nil
}

func NewRedisRateLimiterWithClient(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, callerID string, limit int) (bool, int, time.Time, error) {
	key := "ratelimit:" + callerID
	now := time.Now()
	windowStart := now.Add(-time.Minute)
	windowEnd := now.Add(time.Minute)

	pipe := r.client.Pipeline()

	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))

	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})

	countCmd := pipe.ZCard(ctx, key)

	pipe.Expire(ctx, key, time.Minute)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, time.Time{}, err
	}

	count := int(countCmd.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count > limit {
		return false, remaining, windowEnd, nil
	}

	return true, remaining, windowEnd, nil
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
