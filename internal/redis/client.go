// Package redis wraps go-redis for the adapters that need it. Other packages
// depend on the Cmdable alias instead of importing go-redis directly.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cmdable is the command surface adapters accept.
type Cmdable = redis.Cmdable

// Nil is returned by GET on a missing key.
const Nil = redis.Nil

// Config holds the parameters needed to connect to a Redis instance.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds dial, read and write.
	Timeout time.Duration
}

// Client wraps a go-redis client. RDB satisfies Cmdable.
type Client struct {
	RDB *redis.Client
}

// NewClient creates a Redis client configured from cfg.
func NewClient(cfg Config) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	return &Client{RDB: rdb}
}

// Ping verifies connectivity. The service calls it once at startup so a bad
// address fails fast instead of on the first webhook.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.RDB.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.RDB.Close()
}

// IsNil reports whether err is the missing-key reply.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
