// Command travel-routes scrapes train routes from seat61 and serves them.
//
// Architecture overview:
//   - Sync pipeline: internal/pipeline fetches the source page (headless Chrome via chromedp, or colly for static
//     pages, or a colly probe promoted to Chrome when it looks like a client-side shell), fingerprints and archives the
//     raw HTML to the configured blob store, extracts route cards with goquery and upserts each
//     record by name with bounded concurrency. Concurrent sync requests share one in-flight run.
//   - Storage: route records live in memory, Postgres (pgx) or MongoDB. Every backend merges by name atomically and
//     keeps lastUpdated monotonic. Reads can go through a Redis cache that each writing sync invalidates.
//   - HTTP API: internal/api serves GET /routes, GET /routes/{id}, POST /routes/sync, GET /routes/sync/last, plus
//     /healthz, /readyz and /metrics.
//   - Events: after every run a routes.synced event carrying the report goes to Pub/Sub, Kafka or memory, with the
//     run's OpenTelemetry trace context attached.
//   - Configuration & plumbing: .env is loaded first, then Viper reads an optional YAML file and ROUTES_* environment
//     variables; zap provides structured logging; Prometheus metrics are exported at /metrics.
//
// Quick checklist:
//   - Run locally: go run . serve --config config.yaml, or go run . sync for a one-off run.
//   - Persistence: ROUTES_STORE_BACKEND=postgres with ROUTES_STORE_POSTGRES_DSN, or mongo with
//     ROUTES_STORE_MONGO_URI.
//   - Protect the sync trigger with ROUTES_AUTH_ENABLED=true and ROUTES_AUTH_API_KEY.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/JakeFAU/travel-routes/cmd"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cmd.Execute()
}
