package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/filerelay/internal/apperr"
	"github.com/maneesh/filerelay/internal/config"
	"github.com/maneesh/filerelay/internal/models"
)

// MetadataCache fronts public-key lookups. Entries never carry the private
// key hash. A stale entry is harmless: downloads still go through the
// catalog's atomic counter update, which fails for a removed record.
type MetadataCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, publicHash string) (*models.FileRecord, error)
	Set(ctx context.Context, publicHash string, rec *models.FileRecord) error
	Invalidate(ctx context.Context, publicHash string) error
}

// NewMetadataCache builds the cache selected by cfg.CacheDriver. The returned
// close function releases any connection held by the cache.
func NewMetadataCache(ctx context.Context, cfg *config.Config) (MetadataCache, func() error, error) {
	switch cfg.CacheDriver {
	case config.CacheRedis:
		rc, err := NewRedisCache(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		if err != nil {
			return nil, nil, err
		}
		return rc, rc.Close, nil
	case config.CacheMemory:
		return NewMemoryCache(cfg.CacheSize, cfg.CacheTTL), func() error { return nil }, nil
	case config.CacheNone:
		return NopCache{}, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported cache driver %q", apperr.ErrConfiguration, cfg.CacheDriver)
	}
}

// RedisCache keeps metadata in Redis, shared across relay instances
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache initializes a new Redis client and checks the connection
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

func redisKey(publicHash string) string {
	return fmt.Sprintf("file:%s", publicHash)
}

// Get retrieves file metadata from cache with tracing
func (rc *RedisCache) Get(ctx context.Context, publicHash string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "redis.get_file_metadata")
	defer span.End()

	data, err := rc.client.Get(ctx, redisKey(publicHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(
			attribute.Bool("cache_hit", false),
			attribute.String("cache_status", "miss"),
		)
		return nil, nil // Cache miss, not an error
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var rec models.FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.String("cache_status", "hit"),
	)
	return &rec, nil
}

// Set stores file metadata in cache with tracing
func (rc *RedisCache) Set(ctx context.Context, publicHash string, rec *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "redis.set_file_metadata",
		trace.WithAttributes(attribute.String("file_id", rec.ID)),
	)
	defer span.End()

	data, err := json.Marshal(rec)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal file: %w", err)
	}

	if err := rc.client.Set(ctx, redisKey(publicHash), data, rc.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(rc.ttl.Seconds())))
	return nil
}

// Invalidate removes file metadata from cache with tracing
func (rc *RedisCache) Invalidate(ctx context.Context, publicHash string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_file_metadata")
	defer span.End()

	if err := rc.client.Del(ctx, redisKey(publicHash)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// MemoryCache is a per-process LRU with TTL, for single-instance deployments
type MemoryCache struct {
	cache *expirable.LRU[string, models.FileRecord]
}

// NewMemoryCache creates an LRU holding at most size entries for ttl each
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{cache: expirable.NewLRU[string, models.FileRecord](size, nil, ttl)}
}

// Get returns a copy of the cached record
func (mc *MemoryCache) Get(_ context.Context, publicHash string) (*models.FileRecord, error) {
	rec, ok := mc.cache.Get(publicHash)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Set stores a copy of rec without its private key hash
func (mc *MemoryCache) Set(_ context.Context, publicHash string, rec *models.FileRecord) error {
	cp := *rec
	cp.PrivateKeyHash = ""
	mc.cache.Add(publicHash, cp)
	return nil
}

// Invalidate drops the entry
func (mc *MemoryCache) Invalidate(_ context.Context, publicHash string) error {
	mc.cache.Remove(publicHash)
	return nil
}

// NopCache disables caching
type NopCache struct{}

func (NopCache) Get(context.Context, string) (*models.FileRecord, error) { return nil, nil }
func (NopCache) Set(context.Context, string, *models.FileRecord) error   { return nil }
func (NopCache) Invalidate(context.Context, string) error                { return nil }
