package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/travel-routes/internal/clock/system"
	"github.com/JakeFAU/travel-routes/internal/extract"
	"github.com/JakeFAU/travel-routes/internal/hash/sha256"
	"github.com/JakeFAU/travel-routes/internal/id/uuid"
	pubmemory "github.com/JakeFAU/travel-routes/internal/publisher/memory"
	"github.com/JakeFAU/travel-routes/internal/routes"
	"github.com/JakeFAU/travel-routes/internal/storage/memory"
)

const sourceURL = "https://www.seat61.com/train-routes.htm"

const routesPage = `<html><body>
<div class="route-card">
  <h2>London to Paris</h2>
  <p class="description">Eurostar via the Channel Tunnel</p>
  <span class="duration">2h 16m</span>
  <span class="price">44</span>
  <div class="route-point" data-coordinates='{"lat":51.53,"lng":-0.12}'>London St Pancras</div>
  <div class="route-point" data-coordinates='{"lat":48.88,"lng":2.35}'>Paris Nord</div>
  <span class="facility">Cafe bar</span>
</div>
<div class="route-card">
  <h2>Caledonian Sleeper</h2>
  <p class="description">Overnight sleeper to the Highlands</p>
  <span class="duration">11h</span>
  <span class="price">70</span>
</div>
<div class="route-item"><p>Card without a name</p></div>
</body></html>`

type fakeFetcher struct {
	mu    sync.Mutex
	body  string
	err   error
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (routes.Document, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return routes.Document{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return routes.Document{}, f.err
	}
	return routes.Document{URL: url, StatusCode: 200, Body: []byte(f.body)}, nil
}

func (f *fakeFetcher) setBody(body string) {
	f.mu.Lock()
	f.body = body
	f.mu.Unlock()
}

// flakyStore fails upserts for selected names and can block until released.
type flakyStore struct {
	*memory.RouteStore
	fail    map[string]error
	block   chan struct{}
	started chan string
}

func (s *flakyStore) Upsert(ctx context.Context, rec routes.RouteRecord) (routes.RouteRecord, error) {
	if s.started != nil {
		s.started <- rec.Name
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return routes.RouteRecord{}, ctx.Err()
		}
	}
	if err := s.fail[rec.Name]; err != nil {
		return routes.RouteRecord{}, err
	}
	return s.RouteStore.Upsert(ctx, rec)
}

type countingCache struct {
	invalidations atomic.Int32
}

func (c *countingCache) Get(context.Context, routes.Filter) (routes.CachedResult, error) {
	return routes.CachedResult{}, nil
}

func (c *countingCache) Set(context.Context, int64, routes.Filter, []routes.RouteRecord) error {
	return nil
}

func (c *countingCache) Invalidate(context.Context) error {
	c.invalidations.Add(1)
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker down")
}

type harness struct {
	pipeline  *Pipeline
	fetcher   *fakeFetcher
	store     *memory.RouteStore
	clock     *system.Frozen
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	cache     *countingCache
}

func newHarness(t *testing.T, cfg Config, wrap func(*memory.RouteStore) routes.Store) *harness {
	t.Helper()
	clock := system.NewFrozen(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	ext, err := extract.New(extract.DefaultSelectors(), clock, zap.NewNop())
	require.NoError(t, err)

	h := &harness{
		fetcher:   &fakeFetcher{body: routesPage},
		store:     memory.NewRouteStore(uuid.New()),
		clock:     clock,
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(),
		cache:     &countingCache{},
	}
	var store routes.Store = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	if cfg.SourceURL == "" {
		cfg.SourceURL = sourceURL
	}
	h.pipeline, err = New(cfg, Deps{
		Fetcher:   h.fetcher,
		Extractor: ext,
		Store:     store,
		Blobs:     h.blobs,
		Publisher: h.publisher,
		Cache:     h.cache,
		Hasher:    sha256.New(),
		Clock:     clock,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) all(t *testing.T) []routes.RouteRecord {
	t.Helper()
	recs, err := h.store.Find(context.Background(), routes.Filter{})
	require.NoError(t, err)
	return recs
}

func withoutTimestamps(recs []routes.RouteRecord) []routes.RouteRecord {
	out := make([]routes.RouteRecord, len(recs))
	for i, r := range recs {
		r.LastUpdated = time.Time{}
		out[i] = r
	}
	return out
}

func TestRunUpsertsExtractedRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	report, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, OutcomeSuccess, report.Outcome)
	require.Equal(t, 3, report.Cards)
	require.Equal(t, 2, report.Extracted)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 2, report.Upserted)
	require.Zero(t, report.Failed)
	require.Equal(t, PolicyAbort, report.Policy)

	recs := h.all(t)
	require.Len(t, recs, 2)
	require.Equal(t, "Caledonian Sleeper", recs[0].Name)
	require.Equal(t, "London to Paris", recs[1].Name)
	require.Len(t, recs[1].Waypoints, 2)
	require.Equal(t, h.clock.Now(), recs[1].LastUpdated)
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{UpsertConcurrency: 4}, nil)
	_, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	first := h.all(t)

	h.clock.Advance(time.Hour)
	_, err = h.pipeline.Run(context.Background())
	require.NoError(t, err)
	second := h.all(t)

	require.Len(t, second, 2, "re-running must not duplicate records")
	require.Equal(t, withoutTimestamps(first), withoutTimestamps(second))
	for i := range second {
		require.Equal(t, first[i].ID, second[i].ID)
		require.True(t, second[i].LastUpdated.After(first[i].LastUpdated))
	}
}

func TestRunFetchFailureLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	_, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	before := h.all(t)
	invalidations := h.cache.invalidations.Load()

	h.fetcher.err = errors.New("dial tcp: connection refused")
	h.clock.Advance(time.Hour)
	report, err := h.pipeline.Run(context.Background())
	require.Error(t, err)
	require.True(t, routes.IsFetchError(err))
	require.Equal(t, CauseFetch, Cause(err))
	require.Equal(t, OutcomeFailed, report.Outcome)
	require.Equal(t, CauseFetch, report.Cause)
	require.Zero(t, report.Upserted)

	require.Equal(t, before, h.all(t))
	require.Equal(t, invalidations, h.cache.invalidations.Load())
}

func TestRunNoMatchingCardsIsFetchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.fetcher.setBody(`<html><body><div class="new-layout">redesigned</div></body></html>`)

	report, err := h.pipeline.Run(context.Background())
	require.ErrorIs(t, err, routes.ErrNoRoutes)
	require.True(t, routes.IsFetchError(err))
	require.Zero(t, h.store.Len())
	require.NotEmpty(t, report.SnapshotURI, "the page is archived for diagnosis")
}

func TestRunFetchTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Timeout: 20 * time.Millisecond}, nil)
	h.fetcher.delay = time.Second

	_, err := h.pipeline.Run(context.Background())
	require.True(t, routes.IsFetchError(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, h.store.Len())
}

func TestRunAbortPolicyFailsOnFirstUpsertError(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("write conflict")
	h := newHarness(t, Config{Policy: PolicyAbort}, func(s *memory.RouteStore) routes.Store {
		return &flakyStore{RouteStore: s, fail: map[string]error{"London to Paris": storeErr}}
	})

	report, err := h.pipeline.Run(context.Background())
	require.ErrorIs(t, err, storeErr)
	require.Equal(t, CauseStore, Cause(err))
	require.Equal(t, OutcomeFailed, report.Outcome)
	require.Equal(t, 1, report.Failed)
	require.Zero(t, report.Upserted, "sequential abort stops before the next record")
	require.Equal(t, 1, report.NotAttempted)
	require.Len(t, report.Errors, 1)
	require.Equal(t, "London to Paris", report.Errors[0].Name)
	require.Zero(t, h.store.Len())
}

func TestRunBestEffortPolicyContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Policy: PolicyBestEffort, UpsertConcurrency: 2}, func(s *memory.RouteStore) routes.Store {
		return &flakyStore{RouteStore: s, fail: map[string]error{"Caledonian Sleeper": errors.New("timeout")}}
	})

	report, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePartial, report.Outcome)
	require.Equal(t, 1, report.Upserted)
	require.Equal(t, 1, report.Failed)
	require.Zero(t, report.NotAttempted)
	require.Equal(t, int32(1), h.cache.invalidations.Load())

	recs := h.all(t)
	require.Len(t, recs, 1)
	require.Equal(t, "London to Paris", recs[0].Name)
}

func TestRunDuplicateNamesLastWins(t *testing.T) {
	t.Parallel()

	var cards strings.Builder
	cards.WriteString("<html><body>")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&cards, `<div class="route-card"><h2>Route %d</h2><span class="price">%d</span></div>`, i%3, i)
	}
	cards.WriteString("</body></html>")

	h := newHarness(t, Config{UpsertConcurrency: 8}, nil)
	h.fetcher.setBody(cards.String())

	report, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, report.Upserted)

	recs := h.all(t)
	require.Len(t, recs, 3)
	// Last card per name in document order: 18 for Route 0, 19 for Route 1, 17 for Route 2.
	require.Equal(t, "18", recs[0].Price)
	require.Equal(t, "19", recs[1].Price)
	require.Equal(t, "17", recs[2].Price)
}

func TestRunCanceledMidBatch(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	started := make(chan string, 4)
	h := newHarness(t, Config{UpsertConcurrency: 1}, func(s *memory.RouteStore) routes.Store {
		return &flakyStore{RouteStore: s, block: block, started: started}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Run(ctx)
		done <- err
	}()

	<-started
	cancel()
	err := <-done
	defer close(block)

	require.ErrorIs(t, err, context.Canceled)
	var last Report
	require.Eventually(t, func() bool {
		var ok bool
		last, ok = h.pipeline.LastReport()
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, OutcomeFailed, last.Outcome)
	require.Equal(t, CauseCanceled, last.Cause)
	require.Zero(t, h.store.Len(), "no record is half written")
}

func TestConcurrentRunsShareOneFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.fetcher.delay = 250 * time.Millisecond

	var wg sync.WaitGroup
	reports := make(chan Report, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.pipeline.Run(context.Background())
			if err == nil {
				reports <- r
			}
		}()
	}
	wg.Wait()
	close(reports)

	require.Equal(t, int32(1), h.fetcher.calls.Load())
	var got []Report
	for r := range reports {
		got = append(got, r)
	}
	require.Len(t, got, 5)
	for _, r := range got[1:] {
		require.Equal(t, got[0], r)
	}
}

func TestStarterCancellationReachesWaiters(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	started := make(chan string, 4)
	h := newHarness(t, Config{UpsertConcurrency: 1}, func(s *memory.RouteStore) routes.Store {
		return &flakyStore{RouteStore: s, block: block, started: started}
	})

	starterCtx, cancel := context.WithCancel(context.Background())
	starterDone := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Run(starterCtx)
		starterDone <- err
	}()
	<-started

	waiterDone := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Run(context.Background())
		waiterDone <- err
	}()
	// Let the waiter join the in-flight run.
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-starterDone, context.Canceled)
	require.ErrorIs(t, <-waiterDone, context.Canceled)
	require.Equal(t, int32(1), h.fetcher.calls.Load(), "the waiter shared the canceled run")
}

func TestRunArchivesSnapshotAndPublishesEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SnapshotPrefix: "seat61", EventTopic: "routes-synced"}, nil)
	report, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, "memory://seat61/20240301T090000.000Z.html", report.SnapshotURI)
	body, ok := h.blobs.Object("seat61/20240301T090000.000Z.html")
	require.True(t, ok)
	require.Equal(t, routesPage, string(body))
	want, err := sha256.New().Hash([]byte(routesPage))
	require.NoError(t, err)
	require.Equal(t, want, report.SnapshotDigest)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "routes-synced", msgs[0].Topic)
	var event SyncedEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	require.Equal(t, EventType, event.Type)
	require.Equal(t, 2, event.Report.Upserted)
}

func TestRunPublishFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	clock := system.NewFrozen(time.Unix(0, 0))
	ext, err := extract.New(extract.DefaultSelectors(), clock, nil)
	require.NoError(t, err)
	p, err := New(Config{SourceURL: sourceURL}, Deps{
		Fetcher:   &fakeFetcher{body: routesPage},
		Extractor: ext,
		Store:     memory.NewRouteStore(uuid.New()),
		Publisher: failingPublisher{},
		Clock:     clock,
	})
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, report.Outcome)
	require.Empty(t, report.SnapshotURI)
	require.Empty(t, report.SnapshotDigest)
}

func TestLastReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	_, ok := h.pipeline.LastReport()
	require.False(t, ok)

	report, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	last, ok := h.pipeline.LastReport()
	require.True(t, ok)
	require.Equal(t, report, last)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	clock := system.New()
	ext, err := extract.New(extract.DefaultSelectors(), clock, nil)
	require.NoError(t, err)
	deps := Deps{Fetcher: &fakeFetcher{}, Extractor: ext, Store: memory.NewRouteStore(uuid.New()), Clock: clock}

	_, err = New(Config{}, deps)
	require.ErrorContains(t, err, "source url")

	_, err = New(Config{SourceURL: sourceURL, Policy: "yolo"}, deps)
	require.ErrorContains(t, err, "unknown sync policy")

	_, err = New(Config{SourceURL: sourceURL}, Deps{})
	require.Error(t, err)

	p, err := New(Config{SourceURL: sourceURL}, deps)
	require.NoError(t, err)
	require.Equal(t, PolicyAbort, p.cfg.Policy)
	require.Equal(t, 1, p.cfg.UpsertConcurrency)
}

func TestCause(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{routes.NewFetchError("u", context.DeadlineExceeded), CauseFetch},
		{fmt.Errorf("sync interrupted: %w", context.DeadlineExceeded), CauseTimeout},
		{fmt.Errorf("sync interrupted: %w", context.Canceled), CauseCanceled},
		{&UpsertError{Name: "A", Err: errors.New("x")}, CauseStore},
		{errors.New("boom"), CauseInternal},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, Cause(tc.err))
	}
}
