package metricsstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/evoseal/core/infrastructure/cache"
)

// MetricsCache is an optional read-through cache sitting in front of
// Store.Series for hot experiments, per spec.md §6's redis domain-stack
// entry. A Store with no cache configured falls back to its in-memory map
// for every read, which is always correct — the cache is purely an
// accelerator and is never the source of truth.
type MetricsCache interface {
	GetSeries(ctx context.Context, key string) ([]SeriesPoint, bool)
	SetSeries(ctx context.Context, key string, points []SeriesPoint, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
}

// seriesCacheKey builds the cache key for one experiment/metric series.
func seriesCacheKey(experimentID, name string) string {
	return experimentID + "\x00" + name
}

// RedisMetricsCache backs MetricsCache with a go-redis client, matching the
// teacher's own go-redis/v8 dependency. Values are JSON-encoded since a
// series is a small ordered list of (version_id, value) pairs, not a type
// redis has a native representation for.
type RedisMetricsCache struct {
	client *redis.Client
	prefix string
}

// NewRedisMetricsCache wraps an existing *redis.Client. prefix namespaces
// keys so multiple orchestrator instances can share one redis database.
func NewRedisMetricsCache(client *redis.Client, prefix string) *RedisMetricsCache {
	if prefix == "" {
		prefix = "evoseal:metrics:"
	}
	return &RedisMetricsCache{client: client, prefix: prefix}
}

func (c *RedisMetricsCache) GetSeries(ctx context.Context, key string) ([]SeriesPoint, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var points []SeriesPoint
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, false
	}
	return points, true
}

func (c *RedisMetricsCache) SetSeries(ctx context.Context, key string, points []SeriesPoint, ttl time.Duration) {
	raw, err := json.Marshal(points)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+key, raw, ttl)
}

func (c *RedisMetricsCache) Invalidate(ctx context.Context, key string) {
	c.client.Del(ctx, c.prefix+key)
}

// InMemoryMetricsCache is the fallback used when no redis endpoint is
// configured (spec.md §9's DESIGN NOTES favor an explicit, constructed
// service over a hidden global, so this is handed to Store rather than
// reached for implicitly). Backed by infrastructure/cache.TTLCache, the
// same teacher-style TTL cache C9's report caching already uses.
type InMemoryMetricsCache struct {
	ttl *cache.TTLCache
}

// NewInMemoryMetricsCache constructs a process-local fallback cache with
// the given entry lifetime.
func NewInMemoryMetricsCache(ttl time.Duration) *InMemoryMetricsCache {
	return &InMemoryMetricsCache{ttl: cache.NewTTLCache(ttl)}
}

func (c *InMemoryMetricsCache) GetSeries(ctx context.Context, key string) ([]SeriesPoint, bool) {
	v, ok := c.ttl.Get(ctx, key)
	if !ok {
		return nil, false
	}
	points, ok := v.([]SeriesPoint)
	return points, ok
}

func (c *InMemoryMetricsCache) SetSeries(ctx context.Context, key string, points []SeriesPoint, ttl time.Duration) {
	c.ttl.Set(ctx, key, points)
}

func (c *InMemoryMetricsCache) Invalidate(ctx context.Context, key string) {
	c.ttl.Delete(ctx, key)
}

// NewCacheFromAddr builds the MetricsCache a Store should use given the
// `metrics_cache_redis_addr`-shaped configuration option: a redis-backed
// cache when addr is non-empty, otherwise the in-memory fallback, per
// spec.md §6's "falls back to ... infrastructure/cache.Cache when no Redis
// is configured" wiring note.
func NewCacheFromAddr(addr string, db int) MetricsCache {
	if addr == "" {
		return NewInMemoryMetricsCache(seriesCacheTTL)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return NewRedisMetricsCache(client, "")
}
