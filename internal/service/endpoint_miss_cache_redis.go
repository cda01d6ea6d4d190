package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisEndpointMissCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisEndpointMissCache(client redis.UniversalClient, prefix string) *RedisEndpointMissCache {
	if prefix == "" {
		prefix = "smart-sessions"
	}
	return &RedisEndpointMissCache{client: client, prefix: prefix}
}

func (c *RedisEndpointMissCache) IsMiss(ctx context.Context, path string) (bool, error) {
	if c.client == nil {
		return false, nil
	}
	n, err := c.client.Exists(ctx, c.key(path)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisEndpointMissCache) MarkMiss(ctx context.Context, path string, ttl time.Duration) error {
	if c.client == nil || ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.key(path), "1", ttl).Err()
}

func (c *RedisEndpointMissCache) Invalidate(ctx context.Context, path string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(path)).Err()
}

func (c *RedisEndpointMissCache) key(path string) string {
	return fmt.Sprintf("%s:endpoint_miss:%s", c.prefix, digestKey(path))
}

func digestKey(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
