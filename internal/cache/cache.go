package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Two TTL classes: directory listings change rarely and tolerate minutes of
// staleness; punch-range queries change continuously and get seconds.
type Cache struct {
	client       *redis.Client
	directoryTTL time.Duration
	queryTTL     time.Duration
}

const keyPrefix = "attendance:"

const (
	ScopeDirectory = "directory"
	ScopeQuery     = "query"
)

func New(addr string, directoryTTL, queryTTL time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Cache{
		client:       client,
		directoryTTL: directoryTTL,
		queryTTL:     queryTTL,
	}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Key derives a stable cache key from a scope, an operation name, and the
// query parameters that distinguish one result from another.
func Key(scope, operation string, params map[string]string) string {
	parts := make([]string, 0, len(params))
	for name, value := range params {
		parts = append(parts, name+"="+value)
	}
	sort.Strings(parts)

	key := keyPrefix + scope + ":" + operation
	if len(parts) > 0 {
		key += "?" + strings.Join(parts, "&")
	}
	return key
}

// Get is a pure read: a miss returns (nil, false) and never blocks on
// anything beyond the redis round trip.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		// Both redis.Nil and transport trouble read as a miss; the
		// caller recomputes from the underlying source.
		return nil, false
	}
	return payload, true
}

func (c *Cache) SetDirectory(ctx context.Context, key string, payload []byte) {
	c.set(ctx, key, payload, c.directoryTTL)
}

func (c *Cache) SetQuery(ctx context.Context, key string, payload []byte) {
	c.set(ctx, key, payload, c.queryTTL)
}

func (c *Cache) set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	// Population races are tolerated: last writer wins.
	_ = c.client.Set(ctx, key, payload, ttl).Err()
}

// Invalidate drops every entry in a scope.
func (c *Cache) Invalidate(ctx context.Context, scope string) error {
	pattern := keyPrefix + scope + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache scope %s: %w", scope, err)
	}

	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
