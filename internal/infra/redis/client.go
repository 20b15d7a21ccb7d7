package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the enrichment pipeline.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func pacingKey(provider, stage string) string {
	return fmt.Sprintf("enrich:pacing:%s:%s", provider, stage)
}

// PublishDelay stores the current pacing delay for observability dashboards.
func (c *Client) PublishDelay(ctx context.Context, provider, stage string, delay time.Duration, ttl time.Duration) error {
	return c.rdb.Set(ctx, pacingKey(provider, stage), delay.String(), ttl).Err()
}

// CurrentDelay reads back the published pacing delay, if any.
func (c *Client) CurrentDelay(ctx context.Context, provider, stage string) (time.Duration, bool, error) {
	val, err := c.rdb.Get(ctx, pacingKey(provider, stage)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get failed: %w", err)
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, false, fmt.Errorf("invalid delay value: %w", err)
	}
	return d, true, nil
}
