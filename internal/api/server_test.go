package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/travel-routes/internal/config"
	"github.com/JakeFAU/travel-routes/internal/id/uuid"
	"github.com/JakeFAU/travel-routes/internal/pipeline"
	"github.com/JakeFAU/travel-routes/internal/query"
	"github.com/JakeFAU/travel-routes/internal/routes"
	"github.com/JakeFAU/travel-routes/internal/storage/memory"
)

func TestServer_ListRoutes_ReturnsSortedArray(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	rec := serve(server, http.MethodGet, "/routes", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got []routes.RouteRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 3)
	require.Equal(t, "Caledonian Sleeper", got[0].Name)
	require.Equal(t, "London to Paris", got[2].Name)
}

func TestServer_ListRoutes_Filters(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	rec := serve(server, http.MethodGet, "/routes?search=eurostar&maxPrice=50", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []routes.RouteRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "London to Paris", got[0].Name)
}

func TestServer_ListRoutes_EmptyResultIsArray(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	rec := serve(server, http.MethodGet, "/routes?search=zeppelin", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_ListRoutes_InvalidPaging(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	for _, target := range []string{"/routes?limit=abc", "/routes?limit=0", "/routes?offset=-1"} {
		rec := serve(server, http.MethodGet, target, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestServer_GetRoute(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, Options{})
	all, err := store.Find(context.Background(), routes.Filter{Search: "glacier"})
	require.NoError(t, err)
	require.Len(t, all, 1)

	rec := serve(server, http.MethodGet, "/routes/"+all[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got routes.RouteRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "Glacier Express", got.Name)
	require.Equal(t, all[0].ID, got.ID)
}

func TestServer_GetRoute_NotFound(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	rec := serve(server, http.MethodGet, "/routes/missing-id", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"train route not found"}`, rec.Body.String())
}

func TestServer_GetRoute_StoreErrorIsOpaque(t *testing.T) {
	t.Parallel()

	querier := &fakeQuerier{err: errors.New("pq: password authentication failed")}
	server := NewServer(querier, &fakeSyncer{}, Options{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/routes/abc", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "password")
}

func TestServer_TriggerSync_Succeeds(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{report: pipeline.Report{Outcome: pipeline.OutcomeSuccess, Upserted: 42}}
	server := NewServer(&fakeQuerier{}, syncer, Options{}, zap.NewNop())
	rec := serve(server, http.MethodPost, "/routes/sync", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Message string          `json:"message"`
		Report  pipeline.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Train routes synced successfully", body.Message)
	require.Equal(t, 42, body.Report.Upserted)
	runs, _ := syncer.calls()
	require.Equal(t, 1, runs)
}

func TestServer_TriggerSync_Partial(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{report: pipeline.Report{Outcome: pipeline.OutcomePartial, Upserted: 3, Failed: 1}}
	server := NewServer(&fakeQuerier{}, syncer, Options{}, zap.NewNop())
	rec := serve(server, http.MethodPost, "/routes/sync", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "synced with failures")
}

func TestServer_TriggerSync_FailureReportsCause(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{
		report: pipeline.Report{Outcome: pipeline.OutcomeFailed, Cause: pipeline.CauseFetch},
		err:    routes.NewFetchError("https://example.com", errors.New("dial tcp 10.0.0.7:443: connection refused")),
	}
	server := NewServer(&fakeQuerier{}, syncer, Options{}, zap.NewNop())
	rec := serve(server, http.MethodPost, "/routes/sync", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "fetch", body["cause"])
	require.Equal(t, "failed to sync train routes", body["error"])
	require.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestServer_TriggerSync_IgnoresClientCancellation(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{report: pipeline.Report{Outcome: pipeline.OutcomeSuccess}}
	server := NewServer(&fakeQuerier{}, syncer, Options{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/routes/sync", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Eventually(t, func() bool {
		runs, _ := syncer.calls()
		return runs == 1
	}, time.Second, 5*time.Millisecond)
	_, ctxErr := syncer.calls()
	require.NoError(t, ctxErr)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{report: pipeline.Report{Outcome: pipeline.OutcomeSuccess}}
	opts := Options{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := NewServer(&fakeQuerier{}, syncer, opts, zap.NewNop())

	rec := serve(server, http.MethodPost, "/routes/sync", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	runs, _ := syncer.calls()
	require.Zero(t, runs)

	rec = serve(server, http.MethodPost, "/routes/sync", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodPost, "/routes/sync?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/routes", nil)
	require.Equal(t, http.StatusOK, rec.Code, "reads stay public")
}

func TestServer_LastSync(t *testing.T) {
	t.Parallel()

	syncer := &fakeSyncer{}
	server := NewServer(&fakeQuerier{}, syncer, Options{}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/routes/sync/last", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	syncer.mu.Lock()
	syncer.last = &pipeline.Report{Outcome: pipeline.OutcomeSuccess, Upserted: 7}
	syncer.mu.Unlock()
	rec = serve(server, http.MethodGet, "/routes/sync/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"upserted":7`)
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeQuerier{}, &fakeSyncer{}, Options{}, zap.NewNop())
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz", nil).Code)

	down := NewServer(&fakeQuerier{pingErr: errors.New("connection refused")}, &fakeSyncer{}, Options{}, zap.NewNop())
	rec := serve(down, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, http.StatusOK, serve(down, http.MethodGet, "/healthz", nil).Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeQuerier{}, &fakeSyncer{}, Options{}, zap.NewNop())
	serve(server, http.MethodGet, "/healthz", nil)

	rec := serve(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeQuerier{panicOnFind: true}, &fakeSyncer{}, Options{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/routes", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeQuerier{}, &fakeSyncer{}, Options{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/healthz", nil)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestParseFilter(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet,
		"/routes?search=+alps+&minPrice=10&maxPrice=50&maxDuration=6h&limit=5&offset=10", nil)
	got, err := parseFilter(req)
	require.NoError(t, err)
	require.Equal(t, routes.Filter{
		Search:      "alps",
		MinPrice:    "10",
		MaxPrice:    "50",
		MaxDuration: "6h",
		Limit:       5,
		Offset:      10,
	}, got)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func serve(server *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer(t *testing.T, opts Options) (*Server, *memory.RouteStore) {
	t.Helper()
	store := memory.NewRouteStore(uuid.New())
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, rec := range []routes.RouteRecord{
		{Name: "London to Paris", Description: "Eurostar high speed", Duration: "2h 16m", Price: "44", LastUpdated: now},
		{Name: "Glacier Express", Description: "Scenic alpine crossing", Duration: "8h", Price: "152", LastUpdated: now},
		{Name: "Caledonian Sleeper", Description: "Overnight to Scotland", Duration: "11h", Price: "70", LastUpdated: now},
	} {
		_, err := store.Upsert(context.Background(), rec)
		require.NoError(t, err)
	}
	svc, err := query.New(store, nil, query.Config{MaxLimit: 100}, zap.NewNop())
	require.NoError(t, err)
	return NewServer(svc, &fakeSyncer{}, opts, zap.NewNop()), store
}

type fakeQuerier struct {
	err         error
	pingErr     error
	panicOnFind bool
}

func (f *fakeQuerier) Find(context.Context, routes.Filter) ([]routes.RouteRecord, error) {
	if f.panicOnFind {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	return []routes.RouteRecord{}, nil
}

func (f *fakeQuerier) Get(context.Context, string) (routes.RouteRecord, error) {
	if f.err != nil {
		return routes.RouteRecord{}, f.err
	}
	return routes.RouteRecord{}, routes.ErrNotFound
}

func (f *fakeQuerier) Ping(context.Context) error {
	return f.pingErr
}

type fakeSyncer struct {
	mu         sync.Mutex
	report     pipeline.Report
	err        error
	last       *pipeline.Report
	runs       int
	lastCtxErr error
}

func (f *fakeSyncer) Run(ctx context.Context) (pipeline.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	f.lastCtxErr = ctx.Err()
	return f.report, f.err
}

func (f *fakeSyncer) calls() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, f.lastCtxErr
}

func (f *fakeSyncer) LastReport() (pipeline.Report, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return pipeline.Report{}, false
	}
	return *f.last, true
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
