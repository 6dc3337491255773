package dictionary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Cache stores dictionary entries, successful or failed, for a bounded
// time. Implementations must be safe for concurrent use. A lost write is
// acceptable: the next lookup simply calls the API again.
type Cache interface {
	Get(ctx context.Context, term string) (Entry, bool)
	Set(ctx context.Context, e Entry, ttl time.Duration)
}

// MemoryCache is an in-process cache backed by go-cache.
type MemoryCache struct {
	c *cache.Cache
}

// NewMemoryCache creates a cache that purges expired entries every cleanup interval.
func NewMemoryCache(cleanup time.Duration) *MemoryCache {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &MemoryCache{c: cache.New(cache.NoExpiration, cleanup)}
}

func (m *MemoryCache) Get(_ context.Context, term string) (Entry, bool) {
	v, ok := m.c.Get(term)
	if !ok {
		return Entry{}, false
	}
	e, ok := v.(Entry)
	return e, ok
}

func (m *MemoryCache) Set(_ context.Context, e Entry, ttl time.Duration) {
	m.c.Set(e.Term, e, ttl)
}

// Len returns the number of cached entries, expired ones included until cleanup.
func (m *MemoryCache) Len() int {
	return m.c.ItemCount()
}

// RedisCache shares entries between instances through Redis. Values are JSON
// and expire with the entry TTL. Redis errors are logged and treated as misses.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// RedisOptions locates the Redis server.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisCache connects to Redis and verifies the connection with PING.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "fruitlens:definition:"
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		logger: slog.Default().With("component", "dictionary_cache"),
	}, nil
}

func (r *RedisCache) key(term string) string {
	return r.prefix + term
}

func (r *RedisCache) Get(ctx context.Context, term string) (Entry, bool) {
	raw, err := r.client.Get(ctx, r.key(term)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false
	}
	if err != nil {
		r.logger.Warn("redis get failed", "term", term, "error", err)
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		r.logger.Warn("discarding undecodable cache entry", "term", term, "error", err)
		return Entry{}, false
	}
	return e, true
}

func (r *RedisCache) Set(ctx context.Context, e Entry, ttl time.Duration) {
	raw, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn("encoding cache entry", "term", e.Term, "error", err)
		return
	}
	if err := r.client.Set(ctx, r.key(e.Term), raw, ttl).Err(); err != nil {
		r.logger.Warn("redis set failed", "term", e.Term, "error", err)
	}
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
