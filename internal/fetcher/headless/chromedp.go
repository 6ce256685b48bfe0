// Package headless fetches JavaScript-rendered pages with headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/travel-routes/internal/metrics"
	"github.com/JakeFAU/travel-routes/internal/policy/ratelimit"
	"github.com/JakeFAU/travel-routes/internal/routes"
)

const defaultTimeout = 30 * time.Second

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("headless fetcher closed")

// Config controls the browser and page loads.
type Config struct {
	UserAgent string
	// Timeout bounds one page load, navigation through network idle.
	Timeout   time.Duration
	ExecPath  string
	NoSandbox bool
}

// browser is a running browser able to render pages in fresh tabs.
type browser interface {
	render(ctx context.Context, url string) (renderedPage, error)
	alive() bool
	close()
}

type renderedPage struct {
	html   string
	status int
	url    string
}

type launchFunc func(cfg Config) (browser, error)

// Fetcher implements routes.Fetcher. The browser is launched on first use and
// shared by later fetches; concurrent first callers wait on a single launch.
// Each fetch renders in its own tab, which is closed when the fetch returns.
type Fetcher struct {
	cfg     Config
	limiter *ratelimit.Limiter
	clock   routes.Clock
	logger  *zap.Logger
	launch  launchFunc

	launches singleflight.Group
	mu       sync.Mutex
	current  browser
	closed   bool
}

// New builds a Fetcher. Nothing is started until the first Fetch.
func New(cfg Config, limiter *ratelimit.Limiter, clock routes.Clock, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		limiter: limiter,
		clock:   clock,
		logger:  logger,
		launch:  launchChrome,
	}
}

// Fetch renders url and returns the DOM once the page reached network idle.
func (f *Fetcher) Fetch(ctx context.Context, url string) (routes.Document, error) {
	if err := f.limiter.Wait(ctx, url); err != nil {
		return routes.Document{}, err
	}
	b, err := f.browser(ctx)
	if err != nil {
		return routes.Document{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	start := time.Now()
	page, err := b.render(ctx, url)
	elapsed := time.Since(start)
	metrics.ObserveFetch("headless", page.status, elapsed)
	if err != nil {
		if !b.alive() {
			f.drop(b)
		}
		return routes.Document{}, fmt.Errorf("render %s: %w", url, err)
	}
	if page.status >= http.StatusBadRequest {
		return routes.Document{}, fmt.Errorf("render %s: unexpected status %d", url, page.status)
	}
	if page.url == "" {
		page.url = url
	}
	f.logger.Debug("page rendered",
		zap.String("url", page.url),
		zap.Int("status", page.status),
		zap.Int("bytes", len(page.html)),
		zap.Duration("duration", elapsed),
	)
	return routes.Document{
		URL:        page.url,
		StatusCode: page.status,
		Body:       []byte(page.html),
		FetchedAt:  f.now(),
		Duration:   elapsed,
	}, nil
}

// Reset shuts the current browser down. The next Fetch launches a new one.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	b := f.current
	f.current = nil
	f.mu.Unlock()
	if b != nil {
		b.close()
	}
}

// Close shuts the browser down and rejects further fetches.
func (f *Fetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.Reset()
}

// browser returns the running browser, launching it when needed. A failed
// launch is not remembered, so the next call tries again.
func (f *Fetcher) browser(ctx context.Context) (browser, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	if f.current != nil && f.current.alive() {
		b := f.current
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()

	ch := f.launches.DoChan("browser", func() (any, error) {
		f.mu.Lock()
		if f.current != nil && f.current.alive() {
			b := f.current
			f.mu.Unlock()
			return b, nil
		}
		f.mu.Unlock()

		f.logger.Info("launching headless browser")
		b, err := f.launch(f.cfg)
		metrics.ObserveBrowserLaunch(err)
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			b.close()
			return nil, ErrClosed
		}
		if f.current != nil {
			f.current.close()
		}
		f.current = b
		return b, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		b, _ := res.Val.(browser)
		return b, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for browser: %w", ctx.Err())
	}
}

func (f *Fetcher) drop(b browser) {
	f.mu.Lock()
	if f.current == b {
		f.current = nil
	}
	f.mu.Unlock()
	b.close()
	f.logger.Warn("headless browser died, it will be relaunched")
}

func (f *Fetcher) now() time.Time {
	if f.clock == nil {
		return time.Now().UTC()
	}
	return f.clock.Now()
}

// chromeBrowser is a Chrome process driven over the DevTools protocol.
type chromeBrowser struct {
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

func launchChrome(cfg Config) (browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// Run without actions starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &chromeBrowser{ctx: browserCtx, browserCancel: browserCancel, allocCancel: allocCancel}, nil
}

func (b *chromeBrowser) render(ctx context.Context, url string) (renderedPage, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	watch := newPageWatcher()
	chromedp.ListenTarget(tabCtx, watch.onEvent)

	var html, finalURL string
	err := chromedp.Run(tabCtx,
		watch.enable(),
		watch.navigate(url),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	status, docURL := watch.document()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return renderedPage{status: status}, ctxErr
		}
		return renderedPage{status: status}, fmt.Errorf("chromedp run: %w", err)
	}
	if finalURL == "" {
		finalURL = docURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return renderedPage{html: html, status: status, url: finalURL}, nil
}

func (b *chromeBrowser) alive() bool {
	return b.ctx.Err() == nil
}

func (b *chromeBrowser) close() {
	b.browserCancel()
	b.allocCancel()
}
