package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisSnapshotCache is a read-through cache in front of a SnapshotProvider.
// Traders on short scan intervals share one snapshot per TTL window instead of
// hitting the collectors once each.
type RedisSnapshotCache struct {
	client   *redis.Client
	provider SnapshotProvider
	ttl      time.Duration
}

// NewRedisSnapshotCache wraps provider with a Redis cache.
// If client is nil, returns nil (Redis support is optional).
func NewRedisSnapshotCache(client *redis.Client, provider SnapshotProvider, ttl time.Duration) *RedisSnapshotCache {
	if client == nil {
		return nil
	}

	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &RedisSnapshotCache{
		client:   client,
		provider: provider,
		ttl:      ttl,
	}
}

// Snapshot returns the cached snapshot when fresh, otherwise fetches from the
// underlying provider and stores the result. Cache failures degrade to a
// direct provider call; they never fail the cycle.
func (c *RedisSnapshotCache) Snapshot(ctx context.Context) (*Snapshot, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("cache not initialized")
	}

	if snap, ok := c.get(ctx); ok {
		return snap, nil
	}

	snap, err := c.provider.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot fetch failed: %w", err)
	}

	c.set(ctx, snap)
	return snap, nil
}

func (c *RedisSnapshotCache) get(ctx context.Context) (*Snapshot, bool) {
	// Use a short timeout for cache operations to prevent blocking the cycle
	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.buildKey()).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().
				Err(err).
				Msg("Redis get error - treating as cache miss")
		}
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(cached), &snap); err != nil {
		log.Warn().
			Err(err).
			Msg("Failed to unmarshal cached snapshot")
		return nil, false
	}

	log.Debug().
		Int("candidates", len(snap.Candidates)).
		Time("taken_at", snap.TakenAt).
		Msg("Cache hit for market snapshot")

	return &snap, true
}

func (c *RedisSnapshotCache) set(ctx context.Context, snap *Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Warn().
			Err(err).
			Msg("Failed to marshal snapshot for cache")
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, c.buildKey(), data, c.ttl).Err(); err != nil {
		// Cache failure is graceful - the snapshot was already fetched
		log.Warn().
			Err(err).
			Msg("Failed to cache market snapshot")
		return
	}

	log.Debug().
		Dur("ttl", c.ttl).
		Msg("Cached market snapshot")
}

// Health checks if the Redis connection is healthy.
func (c *RedisSnapshotCache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}

func (c *RedisSnapshotCache) buildKey() string {
	return "tradequorum:market:snapshot"
}
