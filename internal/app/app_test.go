package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/travel-routes/internal/config"
	"github.com/JakeFAU/travel-routes/internal/pipeline"
	"github.com/JakeFAU/travel-routes/internal/routes"
)

const sourcePage = `<html><body>
<div class="route-card"><h2>London to Paris</h2><p class="description">Eurostar</p><span class="price">44</span></div>
<div class="route-card"><h2>Glacier Express</h2><p class="description">Alpine crossing</p><span class="price">152</span></div>
</body></html>`

func testConfig(t *testing.T, sourceURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Source.URL = sourceURL
	cfg.Source.Fetcher = "static"
	cfg.Source.MinInterval = 0
	cfg.Source.RespectRobots = false
	cfg.Snapshots.Backend = "memory"
	cfg.Events.Backend = "memory"
	return cfg
}

func TestBuildSyncAndServe(t *testing.T) {
	t.Parallel()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(sourcePage))
	}))
	defer source.Close()

	a, err := BuildWithLogger(context.Background(), testConfig(t, source.URL), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeSuccess, report.Outcome)
	require.Equal(t, 2, report.Upserted)
	require.NotEmpty(t, report.SnapshotURI)
	require.Len(t, report.SnapshotDigest, 64)

	req := httptest.NewRequest(http.MethodGet, "/routes?search=alpine", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []routes.RouteRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "Glacier Express", got[0].Name)

	req = httptest.NewRequest(http.MethodGet, "/routes/sync/last", nil)
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"upserted":2`)
}

func TestAutoFetcherKeepsServerRenderedPage(t *testing.T) {
	t.Parallel()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(sourcePage))
	}))
	defer source.Close()

	cfg := testConfig(t, source.URL)
	cfg.Source.Fetcher = "auto"
	cfg.Source.PromotionThreshold = 16
	a, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	// The page has no client-side markers, so no browser is ever launched.
	report, err := a.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Upserted)
}

func TestSyncFailureWrapsCause(t *testing.T) {
	t.Parallel()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer source.Close()

	a, err := BuildWithLogger(context.Background(), testConfig(t, source.URL), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Sync(context.Background())
	require.Error(t, err)
	require.True(t, routes.IsFetchError(err))
	require.Equal(t, pipeline.OutcomeFailed, report.Outcome)
	require.Equal(t, pipeline.CauseFetch, report.Cause)
}

func TestBuildFailsOnUnreachableBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.com/routes")
	cfg.Store.Backend = "postgres"
	cfg.Store.Postgres.DSN = "not a dsn ::"

	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "postgres store init failed")
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.com/routes")
	cfg.Source.Fetcher = "headless"
	a, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	calls := 0
	a.onClose("counter", func() error { calls++; return nil })
	a.Close()
	a.Close()
	require.Equal(t, 1, calls)
}
