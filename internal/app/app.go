// Package app builds the long-lived services from configuration and owns
// their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/travel-routes/internal/api"
	"github.com/JakeFAU/travel-routes/internal/cache"
	"github.com/JakeFAU/travel-routes/internal/clock/system"
	"github.com/JakeFAU/travel-routes/internal/config"
	"github.com/JakeFAU/travel-routes/internal/extract"
	autofetcher "github.com/JakeFAU/travel-routes/internal/fetcher/auto"
	collyfetcher "github.com/JakeFAU/travel-routes/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/travel-routes/internal/fetcher/headless"
	"github.com/JakeFAU/travel-routes/internal/hash/sha256"
	"github.com/JakeFAU/travel-routes/internal/headless/detector"
	"github.com/JakeFAU/travel-routes/internal/id/uuid"
	"github.com/JakeFAU/travel-routes/internal/logging"
	"github.com/JakeFAU/travel-routes/internal/pipeline"
	"github.com/JakeFAU/travel-routes/internal/policy/ratelimit"
	kafkapublisher "github.com/JakeFAU/travel-routes/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/travel-routes/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/travel-routes/internal/publisher/pubsub"
	"github.com/JakeFAU/travel-routes/internal/query"
	"github.com/JakeFAU/travel-routes/internal/routes"
	gcsstorage "github.com/JakeFAU/travel-routes/internal/storage/gcs"
	localstorage "github.com/JakeFAU/travel-routes/internal/storage/local"
	memorystorage "github.com/JakeFAU/travel-routes/internal/storage/memory"
	mongostore "github.com/JakeFAU/travel-routes/internal/storage/mongo"
	pgstore "github.com/JakeFAU/travel-routes/internal/storage/postgres"
	"github.com/JakeFAU/travel-routes/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	queries   *query.Service
	pipeline  *pipeline.Pipeline
	apiServer *api.Server

	closers   []closer
	closeOnce sync.Once
}

type closer struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	if !cfg.Tracing.Enabled {
		return BuildWithLogger(ctx, cfg, logger)
	}
	service := cfg.Logging.Service
	if service == "" {
		service = "travel-routes"
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: service,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer provider init failed: %w", err)
	}
	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(sctx)
	}
	app, err := BuildWithLogger(ctx, cfg, logger)
	if err != nil {
		_ = shutdown()
		return nil, err
	}
	// Released last, after everything that may still end spans.
	app.closers = append([]closer{{name: "tracer provider", fn: shutdown}}, app.closers...)
	return app, nil
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Backend),
		zap.String("fetcher", cfg.Source.Fetcher),
		zap.String("snapshots", cfg.Snapshots.Backend),
		zap.String("events", cfg.Events.Backend),
		zap.Bool("cache", cfg.Cache.Enabled),
	)
	if err := app.build(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	clock := system.New()

	store, err := setupStore(ctx, a)
	if err != nil {
		return err
	}

	queryCache, err := setupCache(ctx, a)
	if err != nil {
		return err
	}

	blobs, err := setupSnapshots(ctx, a)
	if err != nil {
		return err
	}

	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}

	fetcher, err := setupFetcher(a, clock)
	if err != nil {
		return err
	}

	extractor, err := extract.New(a.cfg.Source.Selectors, clock, a.logger.Named("extract"))
	if err != nil {
		return fmt.Errorf("extractor init failed: %w", err)
	}

	// A nil *cache.Redis must not become a non-nil interface.
	var cacheDep routes.QueryCache
	if queryCache != nil {
		cacheDep = queryCache
	}

	a.pipeline, err = pipeline.New(pipeline.Config{
		SourceURL:         a.cfg.Source.URL,
		Policy:            pipeline.Policy(a.cfg.Sync.Policy),
		UpsertConcurrency: a.cfg.Sync.UpsertConcurrency,
		Timeout:           a.cfg.Sync.Timeout,
		SnapshotPrefix:    a.cfg.Snapshots.Prefix,
		EventTopic:        a.cfg.Events.Topic,
	}, pipeline.Deps{
		Fetcher:   fetcher,
		Extractor: extractor,
		Store:     store,
		Blobs:     blobs,
		Publisher: publisher,
		Cache:     cacheDep,
		Hasher:    sha256.New(),
		Clock:     clock,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	a.queries, err = query.New(store, cacheDep, query.Config{MaxLimit: a.cfg.Query.MaxLimit}, a.logger)
	if err != nil {
		return fmt.Errorf("query service init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.queries, a.pipeline, api.Options{
		Auth:           a.cfg.Auth,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger)
	return nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func setupStore(ctx context.Context, app *App) (routes.Store, error) {
	ids := uuid.New()
	switch app.cfg.Store.Backend {
	case "postgres":
		pg := app.cfg.Store.Postgres
		store, err := pgstore.NewRouteStore(ctx, pgstore.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
		}, ids)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.onClose("postgres store", func() error { store.Close(); return nil })
		if pg.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		app.logger.Info("using postgres route store", zap.String("table", pg.Table))
		return store, nil
	case "mongo":
		mc := app.cfg.Store.Mongo
		store, err := mongostore.NewRouteStore(mongostore.Config{
			URI:        mc.URI,
			Database:   mc.Database,
			Collection: mc.Collection,
		})
		if err != nil {
			return nil, fmt.Errorf("mongo store init failed: %w", err)
		}
		app.onClose("mongo store", func() error { store.Close(); return nil })
		if mc.EnsureSchema {
			if err := store.EnsureIndexes(ctx); err != nil {
				return nil, fmt.Errorf("mongo index init failed: %w", err)
			}
		}
		app.logger.Info("using mongo route store",
			zap.String("database", mc.Database),
			zap.String("collection", mc.Collection),
		)
		return store, nil
	default:
		app.logger.Info("using in-memory route store")
		return memorystorage.NewRouteStore(ids), nil
	}
}

func setupCache(ctx context.Context, app *App) (*cache.Redis, error) {
	if !app.cfg.Cache.Enabled {
		app.logger.Debug("query cache disabled")
		return nil, nil
	}
	c := app.cfg.Cache
	redisCache, err := cache.NewRedis(ctx, cache.Config{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		TLS:      c.TLS,
		Prefix:   c.Prefix,
		TTL:      c.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("redis cache init failed: %w", err)
	}
	app.onClose("redis cache", redisCache.Close)
	app.logger.Info("redis query cache enabled", zap.String("addr", c.Addr), zap.Duration("ttl", c.TTL))
	return redisCache, nil
}

func setupSnapshots(ctx context.Context, app *App) (routes.BlobStore, error) {
	switch app.cfg.Snapshots.Backend {
	case "gcs":
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: app.cfg.Snapshots.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.onClose("gcs client", blobs.Close)
		app.logger.Info("archiving snapshots to GCS", zap.String("bucket", app.cfg.Snapshots.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{Dir: app.cfg.Snapshots.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving snapshots locally", zap.String("path", app.cfg.Snapshots.Dir))
		return blobs, nil
	case "memory":
		app.logger.Info("archiving snapshots in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Debug("snapshot archive disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (routes.Publisher, error) {
	ev := app.cfg.Events
	switch ev.Backend {
	case "pubsub":
		pub, err := gcppublisher.Open(ctx, ev.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.onClose("pubsub publisher", pub.Close)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", ev.ProjectID),
			zap.String("topic", ev.Topic),
		)
		return pub, nil
	case "kafka":
		pub, err := kafkapublisher.New(kafkapublisher.Config{Brokers: ev.Brokers, BatchTimeout: ev.BatchTimeout})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		app.onClose("kafka publisher", pub.Close)
		app.logger.Info("Kafka publisher initialized",
			zap.Strings("brokers", ev.Brokers),
			zap.String("topic", ev.Topic),
		)
		return pub, nil
	case "memory":
		app.logger.Info("using in-memory event publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Debug("sync events disabled")
		return nil, nil
	}
}

func setupFetcher(app *App, clock routes.Clock) (routes.Fetcher, error) {
	src := app.cfg.Source
	limiter := ratelimit.New(ratelimit.Config{MinInterval: src.MinInterval, Burst: 1})
	logger := app.logger.Named("fetcher")

	newStatic := func() *collyfetcher.Fetcher {
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:     src.UserAgent,
			RespectRobots: src.RespectRobots,
			Timeout:       src.Timeout,
		}, limiter, clock, logger)
	}
	newHeadless := func() *headlessfetcher.Fetcher {
		fetcher := headlessfetcher.New(headlessfetcher.Config{
			UserAgent: src.UserAgent,
			Timeout:   src.Timeout,
			ExecPath:  src.ChromePath,
			NoSandbox: src.NoSandbox,
		}, limiter, clock, logger)
		app.onClose("headless browser", func() error { fetcher.Close(); return nil })
		return fetcher
	}

	switch src.Fetcher {
	case "static":
		app.logger.Info("using colly fetcher", zap.String("user_agent", src.UserAgent))
		return newStatic(), nil
	case "auto":
		fetcher, err := autofetcher.New(newStatic(), newHeadless(), detector.NewHeuristic(src.PromotionThreshold), logger)
		if err != nil {
			return nil, fmt.Errorf("auto fetcher init failed: %w", err)
		}
		app.logger.Info("using colly fetcher with headless promotion",
			zap.Int("promotion_threshold", src.PromotionThreshold),
		)
		return fetcher, nil
	default:
		app.logger.Info("using headless fetcher", zap.Duration("timeout", src.Timeout))
		return newHeadless(), nil
	}
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Sync runs one synchronization.
func (a *App) Sync(ctx context.Context) (pipeline.Report, error) {
	report, err := a.pipeline.Run(ctx)
	if err != nil {
		return report, fmt.Errorf("sync failed: %w", err)
	}
	return report, nil
}

// Serve runs the HTTP server until ctx is canceled or SIGINT/SIGTERM arrives,
// then drains in-flight requests.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every resource in reverse order of acquisition. It is safe
// to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.fn(); err != nil {
				a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
			}
		}
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
}
