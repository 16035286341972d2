// Package redis implements cache.Cache over redis/go-redis/v9, the
// client used across the retrieved example pack for read-through caching.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"github.com/forgesrv/forge/pkg/cache"
)

// Cache adapts a *redis.Client to cache.Cache.
type Cache struct {
	rdb *redis.Client
}

// New wraps an existing client. Use New(redis.NewClient(opts)) in
// production and an equivalent client pointed at a miniredis instance in
// tests.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

var _ cache.Cache = (*Cache)(nil)

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if xerrors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("redis cache get %s: %w", key, err)
	}
	return b, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return xerrors.Errorf("redis cache set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return xerrors.Errorf("redis cache delete %s: %w", key, err)
	}
	return nil
}
