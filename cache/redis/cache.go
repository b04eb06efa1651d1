// Package rediscache is an entitlement cache shared across engine instances.
// Values are JSON encoded Results stored with an expiry under a key prefix,
// next to a per-user generation counter that Invalidate advances.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dramaplan/billing/entitlement"
)

var _ entitlement.Cache = (*Cache)(nil)

// DefaultPrefix namespaces cache keys.
const DefaultPrefix = "billing:entitlement:"

// generationTTL outlives any read-to-write window of a reader.
const generationTTL = 24 * time.Hour

// setIfGeneration writes KEYS[1] only while KEYS[2] still holds ARGV[1].
const setIfGeneration = `
local cur = redis.call('GET', KEYS[2])
if (cur or '0') ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`

// Client is the subset of go-redis client methods the cache uses.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Close() error
}

// Config holds connection settings for Open.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Cache struct {
	client Client
	prefix string
}

// New wraps an existing client.
func New(client Client, prefix string) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{client: client, prefix: prefix}
}

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // best-effort close after failed ping
		return nil, fmt.Errorf("billing/redis: ping %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.Prefix), nil
}

func (c *Cache) Get(ctx context.Context, userID string) (*entitlement.Result, error) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("billing/redis: get: %w", err)
	}
	var res entitlement.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("billing/redis: decode: %w", err)
	}
	return &res, nil
}

func (c *Cache) Generation(ctx context.Context, userID string) (uint64, error) {
	raw, err := c.client.Get(ctx, c.generationKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("billing/redis: get generation: %w", err)
	}
	gen, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("billing/redis: decode generation: %w", err)
	}
	return gen, nil
}

// Set stores result unless userID was invalidated after gen was read. The
// check and the write run as one script.
func (c *Cache) Set(ctx context.Context, userID string, gen uint64, result *entitlement.Result, ttl time.Duration) error {
	if result == nil || ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("billing/redis: encode: %w", err)
	}
	keys := []string{c.key(userID), c.generationKey(userID)}
	if err := c.client.Eval(ctx, setIfGeneration, keys, strconv.FormatUint(gen, 10), raw, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("billing/redis: set: %w", err)
	}
	return nil
}

// Invalidate drops the entry and advances the generation in one transaction.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key(userID))
		pipe.Incr(ctx, c.generationKey(userID))
		pipe.Expire(ctx, c.generationKey(userID), generationTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("billing/redis: invalidate: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) key(userID string) string {
	return c.prefix + "result:" + userID
}

func (c *Cache) generationKey(userID string) string {
	return c.prefix + "gen:" + userID
}
