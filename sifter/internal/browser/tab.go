package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// Tab is a stealth page opened on one URL.
type Tab struct {
	Page    *rod.Page
	PageURL string
	router  *rod.HijackRouter
}

// OpenTab creates a stealth tab and navigates it to pageURL.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b, err := mgr.Browser(ctx)
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	tab := &Tab{Page: page, PageURL: pageURL}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		tab.router = applyResourceBlocking(page, mgr.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		tab.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	return tab, nil
}

// WaitFor blocks until selector matches an element or ctx ends.
func (t *Tab) WaitFor(ctx context.Context, selector string) error {
	if _, err := t.Page.Context(ctx).Element(selector); err != nil {
		return fmt.Errorf("browser: wait for %s: %w", selector, err)
	}
	return nil
}

// HTML serialises the current DOM.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	res, err := t.Page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

// EvalBool runs a JS function returning a boolean.
func (t *Tab) EvalBool(ctx context.Context, js string) (bool, error) {
	res, err := t.Page.Context(ctx).Eval(js)
	if err != nil {
		return false, fmt.Errorf("browser: eval: %w", err)
	}
	return res.Value.Bool(), nil
}

// Close stops request interception and closes the page.
func (t *Tab) Close() error {
	if t.router != nil {
		t.router.Stop()
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
