// Package cache keeps short-lived copies of role-derived permission sets in
// Redis. Every entry expires after a fixed TTL, so a missed invalidation is
// bounded by that TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "warden:perm"

// PermissionCache implements auth.PermissionCache.
type PermissionCache struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewPermissionCache(client *redis.Client, ttl time.Duration) (*PermissionCache, error) {
	if client == nil {
		return nil, errors.New("cache: redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("cache: ttl must be positive")
	}
	return &PermissionCache{redis: client, prefix: defaultPrefix, ttl: ttl}, nil
}

func (c *PermissionCache) genKey() string { return c.prefix + ":gen" }

// generation is bumped by InvalidateAll so older entries become unreachable.
func (c *PermissionCache) generation(ctx context.Context) (int64, error) {
	n, err := c.redis.Get(ctx, c.genKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *PermissionCache) entryKey(gen int64, accountID string) string {
	return c.prefix + ":" + strconv.FormatInt(gen, 10) + ":" + accountID
}

func (c *PermissionCache) Get(ctx context.Context, accountID string) ([]string, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("cache: generation: %w", err)
	}
	raw, err := c.redis.Get(ctx, c.entryKey(gen, accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, false, fmt.Errorf("cache: decode: %w", err)
	}
	return keys, true, nil
}

func (c *PermissionCache) Set(ctx context.Context, accountID string, keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	gen, err := c.generation(ctx)
	if err != nil {
		return fmt.Errorf("cache: generation: %w", err)
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, c.entryKey(gen, accountID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

func (c *PermissionCache) InvalidateAccount(ctx context.Context, accountID string) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return fmt.Errorf("cache: generation: %w", err)
	}
	if err := c.redis.Del(ctx, c.entryKey(gen, accountID)).Err(); err != nil {
		return fmt.Errorf("cache: del: %w", err)
	}
	return nil
}

func (c *PermissionCache) InvalidateAll(ctx context.Context) error {
	if err := c.redis.Incr(ctx, c.genKey()).Err(); err != nil {
		return fmt.Errorf("cache: bump generation: %w", err)
	}
	return nil
}
