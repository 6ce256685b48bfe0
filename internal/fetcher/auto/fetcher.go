// Package autofetcher probes the source with a static fetch and renders it in
// a browser only when the probe looks like a client-side shell.
package autofetcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/travel-routes/internal/routes"
)

// Detector decides whether a probed document needs a headless render.
type Detector interface {
	ShouldPromote(doc routes.Document) bool
}

// Fetcher implements routes.Fetcher on top of a probe and a headless fetcher.
type Fetcher struct {
	probe    routes.Fetcher
	headless routes.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New wires the two fetchers and the detector.
func New(probe, headless routes.Fetcher, detector Detector, logger *zap.Logger) (*Fetcher, error) {
	if probe == nil || headless == nil || detector == nil {
		return nil, fmt.Errorf("probe fetcher, headless fetcher and detector are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{probe: probe, headless: headless, detector: detector, logger: logger}, nil
}

// Fetch returns the probed document unless the detector asks for a render.
// A failed probe fails the fetch; the browser is not used as a fallback.
func (f *Fetcher) Fetch(ctx context.Context, url string) (routes.Document, error) {
	doc, err := f.probe.Fetch(ctx, url)
	if err != nil {
		return routes.Document{}, fmt.Errorf("probe: %w", err)
	}
	if !f.detector.ShouldPromote(doc) {
		return doc, nil
	}
	f.logger.Info("promoting fetch to headless", zap.String("url", url), zap.Int("probe_bytes", len(doc.Body)))
	rendered, err := f.headless.Fetch(ctx, url)
	if err != nil {
		return routes.Document{}, fmt.Errorf("headless: %w", err)
	}
	return rendered, nil
}
