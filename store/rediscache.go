package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taxpadi/engine/engine"
)

const redisRuleSetKey = "taxpadi:ruleset:active"

// redisOpTimeout bounds every cache round-trip so a slow Redis cannot stall
// an evaluation request; the store is the fallback on any miss.
const redisOpTimeout = 2 * time.Second

// RedisRuleSetCache is a Redis-backed implementation of RuleSetCache, for
// deployments where several server replicas should share one cached copy of
// the active rule set. The rule set is stored JSON-marshaled under a single
// key; Redis failures degrade to cache misses, never to request failures.
type RedisRuleSetCache struct {
	client *redis.Client
	config CacheConfig
}

// NewRedisRuleSetCache creates a Redis-backed rule set cache.
func NewRedisRuleSetCache(client *redis.Client, config CacheConfig) *RedisRuleSetCache {
	return &RedisRuleSetCache{client: client, config: config}
}

func (c *RedisRuleSetCache) Get() *engine.RuleSet {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	payload, err := c.client.Get(ctx, redisRuleSetKey).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		slog.Warn("redis rule set cache read failed, treating as miss", "error", err)
		return nil
	}

	var rs engine.RuleSet
	if err := json.Unmarshal(payload, &rs); err != nil {
		slog.Warn("redis rule set cache holds invalid payload, treating as miss", "error", err)
		return nil
	}
	return &rs
}

func (c *RedisRuleSetCache) Set(rs *engine.RuleSet) {
	if rs == nil {
		c.Invalidate()
		return
	}

	payload, err := json.Marshal(rs)
	if err != nil {
		slog.Warn("failed to marshal rule set for redis cache", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, redisRuleSetKey, payload, c.config.TTL).Err(); err != nil {
		slog.Warn("redis rule set cache write failed", "error", err)
	}
}

func (c *RedisRuleSetCache) Invalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, redisRuleSetKey).Err(); err != nil {
		slog.Warn("redis rule set cache invalidation failed", "error", err)
	}
}

func (c *RedisRuleSetCache) IsValid() bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	n, err := c.client.Exists(ctx, redisRuleSetKey).Result()
	if err != nil {
		return false
	}
	return n > 0
}
