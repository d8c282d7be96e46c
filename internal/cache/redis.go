// Package cache provides the opportunistic key-value cache used by the schema
// registry and the history layer. A miss is never an error.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache interface {
	Read(ctx context.Context, key string, dst any) (bool, error)
	Write(ctx context.Context, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Redis stores JSON-encoded values under a namespace prefix.
type Redis struct {
	client    *redis.Client
	namespace string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, namespace: "relator:cache:"}
}

func (c *Redis) key(key string) string {
	return c.namespace + key
}

func (c *Redis) Read(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cache %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cache %s: %w", key, err)
	}
	return true, nil
}

func (c *Redis) Write(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("write cache %s: %w", key, err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("invalidate cache %s: %w", key, err)
	}
	return nil
}

func (c *Redis) InvalidatePrefix(ctx context.Context, prefix string) error {
	pattern := escapeGlob(c.key(prefix)) + "*"
	iter := c.client.Scan(ctx, 0, pattern, 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("invalidate cache prefix %s: %w", prefix, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache prefix %s: %w", prefix, err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("invalidate cache prefix %s: %w", prefix, err)
		}
	}
	return nil
}

func (c *Redis) Close() error {
	return c.client.Close()
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func escapeGlob(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(value)
}

// Nop is used when no Redis is configured.
type Nop struct{}

func (Nop) Read(context.Context, string, any) (bool, error) { return false, nil }
func (Nop) Write(context.Context, string, any, time.Duration) error { return nil }
func (Nop) Invalidate(context.Context, string) error { return nil }
func (Nop) InvalidatePrefix(context.Context, string) error { return nil }
