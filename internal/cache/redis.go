package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldgate/fieldgate/internal/database"
)

// Redis implements Store on top of the shared Redis connection.
type Redis struct {
	rdb *database.Redis
}

// NewRedis creates a Redis-backed cache store
func NewRedis(rdb *database.Redis) *Redis {
	return &Redis{rdb: rdb}
}

func (c *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.GetString(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

func (c *Redis) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.SetWithTTL(ctx, key, value, ttl)
}

func (c *Redis) Forget(ctx context.Context, key string) error {
	return c.rdb.Delete(ctx, key)
}

func (c *Redis) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl)
}
