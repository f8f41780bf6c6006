package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

// Cache stores vision metadata during its freshness window and backs the
// per-user rate-limit counters. Misses are never errors; the pipeline
// falls through to the provider on any miss.
type Cache struct {
	client *redis.Client
}

func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Cache{client: redis.NewClient(opts)}, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func visionMetadataKey(provider, imageID string) string {
	return fmt.Sprintf("vision:%s:%s", provider, imageID)
}

// RateLimitKey builds the counter key for per-user submission limits.
func RateLimitKey(userID string) string {
	return fmt.Sprintf("ratelimit:submit:%s", userID)
}

func (c *Cache) GetVisionMetadata(ctx context.Context, provider, imageID string) (*domain.VisionMetadata, bool, error) {
	val, err := c.client.Get(ctx, visionMetadataKey(provider, imageID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get vision metadata: %w", err)
	}

	var meta domain.VisionMetadata
	if err := json.Unmarshal(val, &meta); err != nil {
		// A corrupt entry behaves as a miss; the next Set overwrites it.
		return nil, false, nil
	}
	return &meta, true, nil
}

func (c *Cache) SetVisionMetadata(ctx context.Context, provider, imageID string, meta *domain.VisionMetadata, ttl time.Duration) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal vision metadata: %w", err)
	}
	if err := c.client.Set(ctx, visionMetadataKey(provider, imageID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set vision metadata: %w", err)
	}
	return nil
}

func (c *Cache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr with expiry: %w", err)
	}
	return incr.Val(), nil
}
