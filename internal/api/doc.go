// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /routes and /routes/{id} for filtered route queries.
//   - POST /routes/sync to trigger a synchronization, GET /routes/sync/last
//     for the latest report.
package api
