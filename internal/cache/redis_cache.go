// Package cache keeps highlighted contract bodies in Redis so that repeated
// workspace loads skip the resolve-and-wrap pass.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrMiss = errors.New("cache miss")

// Rendered is a highlighted body together with the pass summary that
// produced it. Digest identifies the clean body it was rendered from and
// Comments the comment ids (with change types) whose markers it carries.
type Rendered struct {
	ContractID string            `json:"contract_id"`
	Digest     string            `json:"digest"`
	Comments   map[string]string `json:"comments,omitempty"`
	HTML       string            `json:"html"`
	Applied    int               `json:"applied"`
	Failed     int               `json:"failed"`
	Degraded   []string          `json:"degraded,omitempty"`
	Unplaced   []string          `json:"unplaced,omitempty"`
	RenderedAt time.Time         `json:"rendered_at"`
}

// Covers reports whether the rendering carries markers for exactly this
// comment set.
func (r Rendered) Covers(comments map[string]string) bool {
	return maps.Equal(r.Comments, comments)
}

// Track records that the rendering now carries a marker for id.
func (r *Rendered) Track(id, changeType string) {
	if r.Comments == nil {
		r.Comments = make(map[string]string)
	}
	r.Comments[id] = changeType
}

// RedisCache stores rendered bodies under a per-contract key.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{
		client: client,
		prefix: "clm:rendered:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(contractID string) string {
	return c.prefix + contractID
}

// Get returns the cached rendering for contractID. A hit whose digest does
// not match is treated as a miss.
func (c *RedisCache) Get(ctx context.Context, contractID, digest string) (Rendered, error) {
	raw, err := c.client.Get(ctx, c.key(contractID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Rendered{}, ErrMiss
	}
	if err != nil {
		return Rendered{}, fmt.Errorf("get rendered contract: %w", err)
	}

	var item Rendered
	if err := json.Unmarshal(raw, &item); err != nil {
		return Rendered{}, fmt.Errorf("unmarshal rendered contract: %w", err)
	}
	if digest != "" && item.Digest != digest {
		return Rendered{}, ErrMiss
	}
	return item, nil
}

func (c *RedisCache) Put(ctx context.Context, item Rendered) error {
	if item.RenderedAt.IsZero() {
		item.RenderedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal rendered contract: %w", err)
	}
	if err := c.client.Set(ctx, c.key(item.ContractID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("save rendered contract: %w", err)
	}
	return nil
}

// Invalidate drops the rendering for contractID. Comment and body changes
// both call it.
func (c *RedisCache) Invalidate(ctx context.Context, contractID string) error {
	if err := c.client.Del(ctx, c.key(contractID)).Err(); err != nil {
		return fmt.Errorf("invalidate rendered contract: %w", err)
	}
	return nil
}

// Client exposes the underlying connection so the notification relay can
// share it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
