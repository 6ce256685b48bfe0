// Package cache holds Find results in Redis between syncs.
package cache

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/travel-routes/internal/routes"
)

const (
	defaultPrefix = "routes"
	defaultTTL    = 5 * time.Minute
)

// Config holds Redis connection and expiry settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
	Prefix   string
	TTL      time.Duration
}

type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Redis implements routes.QueryCache. Keys embed a generation number;
// Invalidate bumps the generation so every earlier entry becomes unreachable
// and expires on its own. Set writes under the generation its caller read, so
// a result computed before an invalidation is never served after it.
type Redis struct {
	client client
	prefix string
	ttl    time.Duration
}

// NewRedis dials Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("cache.addr is required")
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newWithClient(c, cfg.Prefix, cfg.TTL), nil
}

func newWithClient(c client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: c, prefix: prefix, ttl: ttl}
}

// Get returns the cached result for filter along with the generation it
// looked in. A miss has Hit false and no error.
func (r *Redis) Get(ctx context.Context, filter routes.Filter) (routes.CachedResult, error) {
	gen, err := r.generation(ctx)
	if err != nil {
		return routes.CachedResult{}, err
	}
	res := routes.CachedResult{Generation: gen}
	data, err := r.client.Get(ctx, FilterKey(r.prefix, gen, filter)).Bytes()
	if errors.Is(err, redis.Nil) {
		return res, nil
	}
	if err != nil {
		return routes.CachedResult{}, fmt.Errorf("cache get: %w", err)
	}
	var records []routes.RouteRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return routes.CachedResult{}, fmt.Errorf("decode cached routes: %w", err)
	}
	res.Records = records
	res.Hit = true
	return res, nil
}

// Set stores records for filter under generation.
func (r *Redis) Set(ctx context.Context, generation int64, filter routes.Filter, records []routes.RouteRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode routes: %w", err)
	}
	if err := r.client.Set(ctx, FilterKey(r.prefix, generation, filter), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate starts a new generation.
func (r *Redis) Invalidate(ctx context.Context) error {
	if err := r.client.Incr(ctx, r.generationKey()).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func (r *Redis) generationKey() string {
	return r.prefix + ":gen"
}

func (r *Redis) generation(ctx context.Context) (int64, error) {
	raw, err := r.client.Get(ctx, r.generationKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache generation: %w", err)
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cache generation %q: %w", raw, err)
	}
	return gen, nil
}

// FilterKey derives a deterministic key for filter within generation gen.
func FilterKey(prefix string, gen int64, filter routes.Filter) string {
	data := fmt.Sprintf("%q|%q|%q|%q|%d|%d",
		filter.Search, filter.MinPrice, filter.MaxPrice, filter.MaxDuration, filter.Limit, filter.Offset)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%s:find:%d:%x", prefix, gen, hash[:8])
}
