// Package query serves filtered reads of the route store, optionally through
// a result cache.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/travel-routes/internal/metrics"
	"github.com/JakeFAU/travel-routes/internal/routes"
)

// Config bounds what callers may ask for.
type Config struct {
	// MaxLimit caps the page size. A filter without a limit gets MaxLimit.
	// Zero leaves results unbounded.
	MaxLimit int
}

// Service answers route queries.
type Service struct {
	store    routes.Store
	cache    routes.QueryCache
	cfg      Config
	validate *validator.Validate
	logger   *zap.Logger
}

// New builds a Service. cache may be nil.
func New(store routes.Store, cache routes.QueryCache, cfg Config, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.MaxLimit < 0 {
		return nil, fmt.Errorf("max limit must not be negative, got %d", cfg.MaxLimit)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		cache:    cache,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.Named("query"),
	}, nil
}

// Find returns the records matching filter ordered by name. Invalid filters
// yield an error wrapping routes.ErrInvalidFilter.
func (s *Service) Find(ctx context.Context, filter routes.Filter) ([]routes.RouteRecord, error) {
	filter, err := s.normalize(filter)
	if err != nil {
		return nil, err
	}

	var (
		cached   routes.CachedResult
		cacheErr error
	)
	if s.cache != nil {
		cached, cacheErr = s.cache.Get(ctx, filter)
		switch {
		case cacheErr != nil:
			metrics.ObserveQueryCache("error")
			s.logger.Warn("query cache read failed", zap.Error(cacheErr))
		case cached.Hit:
			metrics.ObserveQueryCache("hit")
			return nonNil(cached.Records), nil
		default:
			metrics.ObserveQueryCache("miss")
		}
	}

	recs, err := s.store.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find routes: %w", err)
	}
	recs = nonNil(recs)

	// Without a generation from Get the write could outlive an invalidation.
	if s.cache != nil && cacheErr == nil {
		if err := s.cache.Set(ctx, cached.Generation, filter, recs); err != nil {
			s.logger.Warn("query cache write failed", zap.Error(err))
		}
	}
	return recs, nil
}

// Get returns the record with the given id or routes.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (routes.RouteRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return routes.RouteRecord{}, routes.ErrNotFound
	}
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, routes.ErrNotFound) {
			return routes.RouteRecord{}, routes.ErrNotFound
		}
		return routes.RouteRecord{}, fmt.Errorf("get route %s: %w", id, err)
	}
	return rec, nil
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) normalize(f routes.Filter) (routes.Filter, error) {
	f.Search = strings.TrimSpace(f.Search)
	f.MinPrice = strings.TrimSpace(f.MinPrice)
	f.MaxPrice = strings.TrimSpace(f.MaxPrice)
	f.MaxDuration = strings.TrimSpace(f.MaxDuration)
	if err := s.validate.Struct(f); err != nil {
		return routes.Filter{}, fmt.Errorf("%w: %s", routes.ErrInvalidFilter, describe(err))
	}
	if s.cfg.MaxLimit > 0 && (f.Limit == 0 || f.Limit > s.cfg.MaxLimit) {
		f.Limit = s.cfg.MaxLimit
	}
	return f, nil
}

// describe renders validation failures using the query parameter names.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		name = strings.ToLower(name[:1]) + name[1:]
		parts = append(parts, fmt.Sprintf("%s failed %s=%s", name, fe.Tag(), fe.Param()))
	}
	return strings.Join(parts, ", ")
}

func nonNil(recs []routes.RouteRecord) []routes.RouteRecord {
	if recs == nil {
		return []routes.RouteRecord{}
	}
	return recs
}
