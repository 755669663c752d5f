package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions selects the Redis server.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis is a Cache backed by go-redis.
type Redis struct {
	DB     *redis.Client
	Prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, o RedisOptions) (*Redis, error) {
	const op = "cache.NewRedis"
	db := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		MaxRetries:   2,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Redis{DB: db, Prefix: o.Prefix}, nil
}

func (c *Redis) Get(ctx context.Context, key string, result any) (bool, error) {
	const op = "cache.Get"
	val, err := c.DB.Get(ctx, c.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if err := json.Unmarshal(val, result); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.DB.Set(ctx, c.Prefix+key, data, ttl).Err()
}

func (c *Redis) Invalidate(ctx context.Context, key string) error {
	return c.DB.Del(ctx, c.Prefix+key).Err()
}

// Close releases the connection pool.
func (c *Redis) Close() error { return c.DB.Close() }
