package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps release listings in Redis so repeated runs against the
// same version skip the release API.
type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{redis: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]string, bool, error) {
	data, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var assets []string
	if err := json.Unmarshal(data, &assets); err != nil {
		return nil, false, err
	}
	return assets, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, assets []string) error {
	data, err := json.Marshal(assets)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.redis.Close()
}
