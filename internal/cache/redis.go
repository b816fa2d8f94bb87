package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("cache: key not found")

// Client wraps the shared Redis connection. Velocity counters and
// idempotency records live here because Redis atomic primitives are the
// only safe way to share them across server instances.
type Client struct {
	client *redis.Client
}

func NewRedisClient(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	log.Println("Redis connection established")
	return &Client{client: client}, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, expiration).Err()
}

func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}

	return json.Unmarshal([]byte(data), dest)
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// IncrWindow atomically increments a fixed-window counter. The expiry is
// set only when the increment creates the key, so later increments within
// the window never extend it.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}

	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("failed to set expiry on %s: %w", key, err)
		}
	}

	return count, nil
}

// AddToWindowSet adds a member to a set with a fixed window and returns
// the set cardinality. Used to count distinct values (e.g. card
// fingerprints per user).
func (c *Client) AddToWindowSet(ctx context.Context, key, member string, window time.Duration) (int64, error) {
	added, err := c.client.SAdd(ctx, key, member).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add to set %s: %w", key, err)
	}

	if added > 0 {
		// Only stamp the window when the set is new; an existing TTL
		// is left alone.
		ttl, err := c.client.TTL(ctx, key).Result()
		if err == nil && ttl < 0 {
			if err := c.client.Expire(ctx, key, window).Err(); err != nil {
				return 0, fmt.Errorf("failed to set expiry on %s: %w", key, err)
			}
		}
	}

	return c.client.SCard(ctx, key).Result()
}

// TTL returns the remaining lifetime of a key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.client.TTL(ctx, key).Result()
}

func (c *Client) Close() error {
	log.Println("Closing Redis connection")
	return c.client.Close()
}

func (c *Client) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return c.client.Ping(ctx).Err()
}
