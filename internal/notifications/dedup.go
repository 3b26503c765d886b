package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator suppresses repeat notifications for the same provider and
// type. Breaker state flaps on a fleet of gateway instances would otherwise
// fan out one alert per instance.
type Deduplicator interface {
	// ShouldNotify reports whether this notification is the first of its
	// kind for the provider within the suppression window.
	ShouldNotify(ctx context.Context, providerIndex int, notifType NotificationType) bool

	// Clear drops the suppression state for a provider, typically when it
	// recovers so the next outage alerts again immediately.
	Clear(ctx context.Context, providerIndex int)
}

// InMemoryDeduplicator tracks the last notification type per provider.
// Suitable for single-instance deployments.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	last map[int]NotificationType
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		last: make(map[int]NotificationType),
	}
}

func (d *InMemoryDeduplicator) ShouldNotify(ctx context.Context, providerIndex int, notifType NotificationType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.last[providerIndex] == notifType {
		return false
	}
	d.last[providerIndex] = notifType
	return true
}

func (d *InMemoryDeduplicator) Clear(ctx context.Context, providerIndex int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, providerIndex)
}

// RedisDeduplicator coordinates suppression across instances with SETNX.
// Exactly one instance wins the key and sends the notification.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduplicator connects to Redis. ttl bounds how long a provider
// outage stays suppressed before it may alert again.
func NewRedisDeduplicator(redisURL string, ttl time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{client: client, ttl: ttl}, nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) key(providerIndex int, notifType NotificationType) string {
	return fmt.Sprintf("notify:provider:%d:%s", providerIndex, notifType)
}

func (d *RedisDeduplicator) ShouldNotify(ctx context.Context, providerIndex int, notifType NotificationType) bool {
	acquired, err := d.client.SetNX(ctx, d.key(providerIndex, notifType), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		// Redis errors never suppress an alert.
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Clear(ctx context.Context, providerIndex int) {
	pattern := fmt.Sprintf("notify:provider:%d:*", providerIndex)
	keys, err := d.client.Keys(ctx, pattern).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
