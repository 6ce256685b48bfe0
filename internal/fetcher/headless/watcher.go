package headless

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const lifecycleNetworkIdle = "networkIdle"

// pageWatcher follows target events for one tab: the main document response
// and the lifecycle events of each loader.
type pageWatcher struct {
	mu     sync.Mutex
	idle   map[cdp.LoaderID]bool
	status int
	url    string
	notify chan struct{}
}

func newPageWatcher() *pageWatcher {
	return &pageWatcher{
		idle:   make(map[cdp.LoaderID]bool),
		notify: make(chan struct{}, 1),
	}
}

func (w *pageWatcher) onEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventLifecycleEvent:
		if e.Name != lifecycleNetworkIdle {
			return
		}
		w.mu.Lock()
		w.idle[e.LoaderID] = true
		w.mu.Unlock()
		select {
		case w.notify <- struct{}{}:
		default:
		}
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		w.mu.Lock()
		w.status = int(e.Response.Status)
		w.url = e.Response.URL
		w.mu.Unlock()
	}
}

func (w *pageWatcher) enable() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		return nil
	})
}

// navigate starts loading url and blocks until that load reached network idle.
func (w *pageWatcher) navigate(url string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, loaderID, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if errorText != "" {
			return fmt.Errorf("navigate: %s", errorText)
		}
		return w.waitIdle(ctx, loaderID)
	})
}

func (w *pageWatcher) waitIdle(ctx context.Context, loaderID cdp.LoaderID) error {
	for {
		w.mu.Lock()
		done := w.idle[loaderID]
		w.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-w.notify:
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		}
	}
}

func (w *pageWatcher) document() (int, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.url
}
