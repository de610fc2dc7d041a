package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of Redis operations the backend needs. Get must
// return ErrNotFound for a missing key; MGet leaves missing keys out.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	SetAll(ctx context.Context, values map[string]string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// RedisBackend implements Backend on top of Redis, for sessions shared by
// several hosts.
type RedisBackend struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) { b.prefix = prefix }
}

// WithRedisTTL expires persisted entries after ttl. Zero keeps them forever.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(b *RedisBackend) { b.ttl = ttl }
}

// NewRedisBackend creates a Redis-backed store.
func NewRedisBackend(client RedisClient, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBackend) key(k string) string {
	return b.prefix + k
}

// Get retrieves a value by key.
func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := b.client.Get(ctx, b.key(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

// GetMany reads every key with a single MGET.
func (b *RedisBackend) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.key(k)
	}
	got, err := b.client.MGet(ctx, prefixed...)
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, k := range keys {
		if v, ok := got[prefixed[i]]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Put writes all entries in one MULTI/EXEC transaction.
func (b *RedisBackend) Put(ctx context.Context, entries map[string]string) error {
	prefixed := make(map[string]string, len(entries))
	for k, v := range entries {
		prefixed[b.key(k)] = v
	}
	if err := b.client.SetAll(ctx, prefixed, b.ttl); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes keys.
func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.key(k)
	}
	if err := b.client.Del(ctx, prefixed...); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// ConnectRedis dials Redis from either a redis:// URL or a bare host:port and
// verifies the connection with a PING.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// goRedisClient adapts *redis.Client to RedisClient.
type goRedisClient struct {
	c *redis.Client
}

// NewGoRedisClient wraps a go-redis client.
func NewGoRedisClient(c *redis.Client) RedisClient {
	return &goRedisClient{c: c}
}

func (g *goRedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := g.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (g *goRedisClient) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	vals, err := g.c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (g *goRedisClient) SetAll(ctx context.Context, values map[string]string, ttl time.Duration) error {
	_, err := g.c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	return err
}

func (g *goRedisClient) Del(ctx context.Context, keys ...string) error {
	return g.c.Del(ctx, keys...).Err()
}

func (g *goRedisClient) Close() error {
	return g.c.Close()
}
