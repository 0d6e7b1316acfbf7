// Package rediscache implements the distributed shard config tier on Redis.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/shardconfig"
)

// DefaultPrefix namespaces shard config keys.
const DefaultPrefix = "authrim:shardconfig:"

// Cache stores shard config snapshots as JSON values with a TTL.
type Cache struct {
	client redis.Cmdable
	prefix string
}

// New builds a Cache. An empty prefix uses DefaultPrefix.
func New(client redis.Cmdable, prefix string) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{client: client, prefix: prefix}
}

// Get returns the cached snapshot of scope.
func (c *Cache) Get(ctx context.Context, scope string) (generation.ShardConfig, bool, error) {
	data, err := c.client.Get(ctx, c.key(scope)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return generation.ShardConfig{}, false, nil
		}
		return generation.ShardConfig{}, false, fmt.Errorf("get shard config %s: %w", scope, err)
	}
	var cfg generation.ShardConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return generation.ShardConfig{}, false, fmt.Errorf("decode shard config %s: %w", scope, err)
	}
	if err := cfg.Validate(); err != nil {
		return generation.ShardConfig{}, false, fmt.Errorf("cached shard config %s: %w", scope, err)
	}
	return cfg, true, nil
}

// Set stores cfg under its scope for ttl.
func (c *Cache) Set(ctx context.Context, cfg generation.ShardConfig, ttl time.Duration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode shard config %s: %w", cfg.Scope, err)
	}
	if err := c.client.Set(ctx, c.key(cfg.Scope), data, ttl).Err(); err != nil {
		return fmt.Errorf("set shard config %s: %w", cfg.Scope, err)
	}
	return nil
}

// Invalidate deletes the cached snapshot of scope.
func (c *Cache) Invalidate(ctx context.Context, scope string) error {
	if err := c.client.Del(ctx, c.key(scope)).Err(); err != nil {
		return fmt.Errorf("invalidate shard config %s: %w", scope, err)
	}
	return nil
}

func (c *Cache) key(scope string) string {
	return c.prefix + scope
}

var _ shardconfig.Cache = (*Cache)(nil)
