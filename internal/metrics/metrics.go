// Package metrics exposes Prometheus collectors for the routes service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncRunsTotal              *prometheus.CounterVec
	syncRecordsTotal           *prometheus.CounterVec
	syncDurationSeconds        prometheus.Histogram
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchRateLimitDelaySeconds *prometheus.HistogramVec
	browserLaunchesTotal       *prometheus.CounterVec
	queryCacheTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// multiple times and every Observe function calls it.
func Init() {
	once.Do(func() {
		syncRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routes_sync_runs_total",
				Help: "Total number of sync runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		syncRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routes_sync_records_total",
				Help: "Route records handled by sync runs, labeled by result.",
			},
			[]string{"result"},
		)

		syncDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "routes_sync_duration_seconds",
				Help:    "Histogram of sync run durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routes_fetch_duration_seconds",
				Help:    "Histogram of source fetch durations, labeled by fetcher and status.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"fetcher", "status"},
		)

		fetchRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routes_fetch_rate_limit_delay_seconds",
				Help:    "Histogram of politeness waits before a fetch.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		browserLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routes_browser_launches_total",
				Help: "Headless browser launches, labeled by result.",
			},
			[]string{"result"},
		)

		queryCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routes_query_cache_total",
				Help: "Query cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSyncRun records a finished sync run.
func ObserveSyncRun(outcome string, duration time.Duration) {
	Init()
	syncRunsTotal.WithLabelValues(outcome).Inc()
	syncDurationSeconds.Observe(duration.Seconds())
}

// ObserveSyncRecords adds n to the record counter for result.
func ObserveSyncRecords(result string, n int) {
	if n <= 0 {
		return
	}
	Init()
	syncRecordsTotal.WithLabelValues(result).Add(float64(n))
}

// ObserveFetch records one source fetch.
func ObserveFetch(fetcher string, status int, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(fetcher, strconv.Itoa(status)).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	fetchRateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveBrowserLaunch counts a headless browser launch attempt.
func ObserveBrowserLaunch(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	browserLaunchesTotal.WithLabelValues(result).Inc()
}

// ObserveQueryCache counts a cache lookup: "hit", "miss" or "error".
func ObserveQueryCache(result string) {
	Init()
	queryCacheTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
