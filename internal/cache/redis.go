package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"
	"github.com/rs/zerolog"
)

const keyPrefix = "tile:"

// RedisCache shares tiles between processes. Entries expire after ttl.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedis connects to addr and verifies the connection with PING.
func NewRedis(ctx context.Context, addr string, ttl time.Duration, logger zerolog.Logger) (*RedisCache, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     64,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Get returns a cached tile. Redis errors are logged and treated as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		return nil, false
	}
	return data, true
}

func (c *RedisCache) Set(ctx context.Context, key string, data []byte) error {
	if err := c.rdb.Set(ctx, keyPrefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
