package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/travel-routes/internal/metrics"
	"github.com/JakeFAU/travel-routes/internal/routes"
)

// Policy decides what a run does when an upsert fails.
type Policy string

const (
	// PolicyAbort stops the batch at the first failed upsert and fails the run.
	PolicyAbort Policy = "abort"
	// PolicyBestEffort attempts every record and reports the failures.
	PolicyBestEffort Policy = "best_effort"
)

// EventType is the type field of the event published after each run.
const EventType = "routes.synced"

const tracerName = "github.com/JakeFAU/travel-routes/internal/pipeline"

// sideEffectTimeout bounds cache invalidation and event publishing, which run
// even when the sync itself was canceled.
const sideEffectTimeout = 10 * time.Second

// Config controls one pipeline.
type Config struct {
	SourceURL         string
	Policy            Policy
	UpsertConcurrency int
	// Timeout bounds a whole run. Zero means no bound beyond the caller's.
	Timeout        time.Duration
	SnapshotPrefix string
	EventTopic     string
}

// Deps are the collaborators of a pipeline. Blobs, Publisher, Cache and
// Hasher are optional.
type Deps struct {
	Fetcher   routes.Fetcher
	Extractor routes.Extractor
	Store     routes.Store
	Blobs     routes.BlobStore
	Publisher routes.Publisher
	Cache     routes.QueryCache
	Hasher    routes.Hasher
	Clock     routes.Clock
	Logger    *zap.Logger
}

// SyncedEvent is published after every run, successful or not.
type SyncedEvent struct {
	Type   string `json:"type"`
	Report Report `json:"report"`
}

// Pipeline runs synchronizations. Concurrent Run calls share one in-flight
// run and receive the same report.
type Pipeline struct {
	cfg      Config
	deps     Deps
	validate *validator.Validate
	logger   *zap.Logger

	runs singleflight.Group
	mu   sync.RWMutex
	last *Report
}

// New validates cfg and deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if strings.TrimSpace(cfg.SourceURL) == "" {
		return nil, fmt.Errorf("source url is required")
	}
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Store == nil || deps.Clock == nil {
		return nil, fmt.Errorf("fetcher, extractor, store and clock are required")
	}
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyAbort
	case PolicyAbort, PolicyBestEffort:
	default:
		return nil, fmt.Errorf("unknown sync policy %q", cfg.Policy)
	}
	if cfg.UpsertConcurrency <= 0 {
		cfg.UpsertConcurrency = 1
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "snapshots"
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = EventType
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("pipeline"),
	}, nil
}

// Run synchronizes the store with the source. A returned error always comes
// with a report describing how far the run got. If another run is already in
// flight, Run waits for it and returns its result; ctx then only bounds the
// wait. The shared run executes under the ctx of the caller that started it,
// so canceling that caller cancels the run for every waiter. Callers that
// must not abort a write batch detach their ctx first.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	ch := p.runs.DoChan("sync", func() (any, error) {
		report, err := p.run(ctx)
		return report, err
	})
	select {
	case res := <-ch:
		report, _ := res.Val.(Report)
		return report, res.Err
	case <-ctx.Done():
		return Report{}, fmt.Errorf("wait for sync: %w", ctx.Err())
	}
}

// LastReport returns the report of the most recent finished run.
func (p *Pipeline) LastReport() (Report, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Report{}, false
	}
	return *p.last, true
}

func (p *Pipeline) run(ctx context.Context) (Report, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.sync")
	defer span.End()

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	report := Report{
		Source:    p.cfg.SourceURL,
		Policy:    p.cfg.Policy,
		StartedAt: p.deps.Clock.Now(),
	}
	logger := p.logger.With(zap.String("source", p.cfg.SourceURL))
	logger.Info("sync started", zap.String("policy", string(p.cfg.Policy)))

	err := p.execute(ctx, &report, logger)
	p.finish(ctx, &report, err, logger)

	span.SetAttributes(
		attribute.String("sync.outcome", report.Outcome),
		attribute.Int("sync.upserted", report.Upserted),
		attribute.Int("sync.failed", report.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, report.Cause)
	}
	return report, err
}

func (p *Pipeline) execute(ctx context.Context, report *Report, logger *zap.Logger) error {
	doc, err := p.deps.Fetcher.Fetch(ctx, p.cfg.SourceURL)
	if err != nil {
		return routes.NewFetchError(p.cfg.SourceURL, err)
	}
	report.SnapshotDigest = p.digest(doc, logger)
	report.SnapshotURI = p.archive(ctx, doc, report.StartedAt, logger)

	ext, err := p.deps.Extractor.Extract(doc)
	if err != nil {
		return routes.NewFetchError(p.cfg.SourceURL, err)
	}
	report.Cards = ext.Cards
	report.Skipped = ext.Skipped
	if ext.Cards == 0 {
		return routes.NewFetchError(p.cfg.SourceURL, routes.ErrNoRoutes)
	}

	records := make([]routes.RouteRecord, 0, len(ext.Records))
	for _, rec := range ext.Records {
		if err := p.validate.Struct(rec); err != nil {
			report.Skipped++
			logger.Warn("dropping invalid route record", zap.String("name", rec.Name), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	report.Extracted = len(records)
	return p.upsertAll(ctx, records, report, logger)
}

// upsertAll writes records with bounded concurrency. Records sharing a name
// are written by one goroutine in document order, so the last one wins.
func (p *Pipeline) upsertAll(ctx context.Context, records []routes.RouteRecord, report *Report, logger *zap.Logger) error {
	var (
		order  []string
		byName = make(map[string][]routes.RouteRecord)
	)
	for _, rec := range records {
		if _, ok := byName[rec.Name]; !ok {
			order = append(order, rec.Name)
		}
		byName[rec.Name] = append(byName[rec.Name], rec)
	}

	var (
		mu       sync.Mutex
		upserted int
		failed   int
		errs     []RecordError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.UpsertConcurrency)
	for _, name := range order {
		batch := byName[name]
		g.Go(func() error {
			for _, rec := range batch {
				if err := gctx.Err(); err != nil {
					return err
				}
				if _, err := p.deps.Store.Upsert(gctx, rec); err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil && isContextErr(err) {
						return ctxErr
					}
					mu.Lock()
					failed++
					if len(errs) < maxReportedErrors {
						errs = append(errs, RecordError{Name: rec.Name, Error: err.Error()})
					}
					mu.Unlock()
					logger.Warn("upsert failed", zap.String("name", rec.Name), zap.Error(err))
					if p.cfg.Policy == PolicyAbort {
						return &UpsertError{Name: rec.Name, Err: err}
					}
					continue
				}
				mu.Lock()
				upserted++
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()

	report.Upserted = upserted
	report.Failed = failed
	report.Errors = errs
	report.NotAttempted = len(records) - upserted - failed

	if upserted > 0 && p.deps.Cache != nil {
		// The store changed even if the run fails afterwards.
		cctx, cancel := detached(ctx)
		if cacheErr := p.deps.Cache.Invalidate(cctx); cacheErr != nil {
			logger.Warn("query cache invalidation failed", zap.Error(cacheErr))
		}
		cancel()
	}

	var upsertErr *UpsertError
	if errors.As(err, &upsertErr) {
		return err
	}
	if err != nil {
		return fmt.Errorf("sync interrupted: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && report.NotAttempted > 0 {
		return fmt.Errorf("sync interrupted: %w", ctxErr)
	}
	return nil
}

// digest fingerprints the fetched page so markup changes between runs show up
// in the reports.
func (p *Pipeline) digest(doc routes.Document, logger *zap.Logger) string {
	if p.deps.Hasher == nil {
		return ""
	}
	sum, err := p.deps.Hasher.Hash(doc.Body)
	if err != nil {
		logger.Warn("snapshot digest failed", zap.Error(err))
		return ""
	}
	return sum
}

// archive stores the fetched page for later diagnosis. Failures are logged
// and never fail the run.
func (p *Pipeline) archive(ctx context.Context, doc routes.Document, startedAt time.Time, logger *zap.Logger) string {
	if p.deps.Blobs == nil {
		return ""
	}
	path := fmt.Sprintf("%s/%s.html", strings.Trim(p.cfg.SnapshotPrefix, "/"), startedAt.UTC().Format("20060102T150405.000Z"))
	uri, err := p.deps.Blobs.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(doc.Body))
	if err != nil {
		logger.Warn("snapshot archive failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (p *Pipeline) finish(ctx context.Context, report *Report, err error, logger *zap.Logger) {
	report.FinishedAt = p.deps.Clock.Now()
	switch {
	case err != nil:
		report.Outcome = OutcomeFailed
		report.Cause = Cause(err)
	case report.Failed > 0:
		report.Outcome = OutcomePartial
	default:
		report.Outcome = OutcomeSuccess
	}

	metrics.ObserveSyncRun(report.Outcome, report.Duration())
	metrics.ObserveSyncRecords("upserted", report.Upserted)
	metrics.ObserveSyncRecords("failed", report.Failed)
	metrics.ObserveSyncRecords("skipped", report.Skipped)

	fields := []zap.Field{
		zap.String("outcome", report.Outcome),
		zap.Int("cards", report.Cards),
		zap.Int("upserted", report.Upserted),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration()),
	}
	if err != nil {
		logger.Error("sync failed", append(fields, zap.String("cause", report.Cause), zap.Error(err))...)
	} else {
		logger.Info("sync finished", fields...)
	}

	snapshot := *report
	p.mu.Lock()
	p.last = &snapshot
	p.mu.Unlock()

	pctx, cancel := detached(ctx)
	defer cancel()
	p.publish(pctx, snapshot, logger)
}

func (p *Pipeline) publish(ctx context.Context, report Report, logger *zap.Logger) {
	if p.deps.Publisher == nil {
		return
	}
	id, err := p.deps.Publisher.Publish(ctx, p.cfg.EventTopic, SyncedEvent{Type: EventType, Report: report})
	if err != nil {
		logger.Warn("publish sync event failed", zap.String("topic", p.cfg.EventTopic), zap.Error(err))
		return
	}
	logger.Debug("sync event published", zap.String("topic", p.cfg.EventTopic), zap.String("message_id", id))
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
