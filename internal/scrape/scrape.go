// Package scrape implements the browser-backed page source for the
// collector. A "page" is one scroll pass over an infinite-scroll list:
// each FetchPage scrolls the list container one viewport, waits out the
// loading spinner, and returns every item currently rendered. The source
// never signals end-of-data; the collector's stall detection terminates
// the pass.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/fellowtrack/internal/collect"
	"github.com/hazyhaar/fellowtrack/internal/scrape/browser"
)

// UnavailableError reports that the source could not be reached: failed
// navigation, expired session, or a page whose item selector matched
// nothing on the first screen.
type UnavailableError struct {
	URL string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("scrape: source unavailable at %s: %v", e.URL, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Config configures the Fetcher.
type Config struct {
	// ItemSelector matches one rendered list item per fellow. Required.
	ItemSelector string
	// NameSelector, relative to an item, locates the display name.
	// Empty = the item's own text.
	NameSelector string
	// SpinnerSelector matches the loading indicator to wait out after a
	// scroll. Empty = fixed pause only.
	SpinnerSelector string
	// CookieFile is a JSON file of session cookies to install before
	// navigation. Empty = no cookies.
	CookieFile string
	// ScrollPause is the settle time after each scroll pass. Default: 3s.
	ScrollPause time.Duration
	// SpinnerTimeout bounds the wait for the spinner to detach. Default: 7s.
	SpinnerTimeout time.Duration
	// NavTimeout bounds navigation plus first render. Default: 30s.
	NavTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ScrollPause <= 0 {
		c.ScrollPause = 3 * time.Second
	}
	if c.SpinnerTimeout <= 0 {
		c.SpinnerTimeout = 7 * time.Second
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
}

// Fetcher implements collect.PageFetcher on top of a managed browser.
// One tab per connection, opened on the first page of a pass and kept
// until Close.
type Fetcher struct {
	mgr    *browser.Manager
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	tabs map[string]*rod.Page
}

// New creates a Fetcher. The manager must be started before the first
// FetchPage call.
func New(mgr *browser.Manager, cfg Config, logger *slog.Logger) *Fetcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{mgr: mgr, cfg: cfg, logger: logger, tabs: make(map[string]*rod.Page)}
}

// FetchPage opens the connection's page on the first call (cursor start)
// and scrolls one viewport on each subsequent call. Records carry the
// canonicalizable profile href as the raw key when present, otherwise the
// item text.
func (f *Fetcher) FetchPage(ctx context.Context, conn collect.ConnectionRef, cursor collect.Cursor) (*collect.Page, error) {
	if cursor == collect.CursorStart {
		page, err := f.openTab(ctx, conn)
		if err != nil {
			return nil, err
		}
		records, err := f.extract(ctx, page, conn)
		if err != nil {
			return nil, &UnavailableError{URL: conn.URL, Err: err}
		}
		return &collect.Page{Records: records, Next: collect.Cursor("1")}, nil
	}

	f.mu.Lock()
	page := f.tabs[conn.ID]
	f.mu.Unlock()
	if page == nil {
		return nil, &UnavailableError{URL: conn.URL, Err: fmt.Errorf("no open tab for connection %s", conn.ID)}
	}

	if err := f.scrollOnce(ctx, page); err != nil {
		return nil, &UnavailableError{URL: conn.URL, Err: err}
	}
	f.waitSpinner(ctx, page)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(f.cfg.ScrollPause):
	}

	records, err := f.extract(ctx, page, conn)
	if err != nil {
		return nil, &UnavailableError{URL: conn.URL, Err: err}
	}

	pass, _ := strconv.Atoi(string(cursor))
	return &collect.Page{Records: records, Next: collect.Cursor(strconv.Itoa(pass + 1))}, nil
}

// Close closes all open tabs. The browser manager is closed by its owner.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for id, page := range f.tabs {
		if err := page.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.tabs, id)
	}
	return firstErr
}

func (f *Fetcher) openTab(ctx context.Context, conn collect.ConnectionRef) (*rod.Page, error) {
	page, err := f.mgr.NewPage()
	if err != nil {
		return nil, &UnavailableError{URL: conn.URL, Err: err}
	}

	if f.cfg.CookieFile != "" {
		if err := f.installCookies(page); err != nil {
			page.Close()
			return nil, &UnavailableError{URL: conn.URL, Err: err}
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, f.cfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(conn.URL); err != nil {
		page.Close()
		return nil, &UnavailableError{URL: conn.URL, Err: fmt.Errorf("navigate: %w", err)}
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		f.logger.Warn("scrape: wait load timeout", "url", conn.URL, "error", err)
	}

	// The item selector must match on the first screen; a blank result
	// means the session expired or the DOM changed under us.
	if _, err := page.Context(navCtx).Element(f.cfg.ItemSelector); err != nil {
		page.Close()
		return nil, &UnavailableError{URL: conn.URL,
			Err: fmt.Errorf("item selector %q matched nothing: %w", f.cfg.ItemSelector, err)}
	}

	f.mu.Lock()
	f.tabs[conn.ID] = page
	f.mu.Unlock()

	f.logger.Info("scrape: page opened", "connection_id", conn.ID, "url", conn.URL)
	return page, nil
}

// installCookies loads session cookies from the configured JSON file.
func (f *Fetcher) installCookies(page *rod.Page) error {
	data, err := os.ReadFile(f.cfg.CookieFile)
	if err != nil {
		return fmt.Errorf("read cookie file: %w", err)
	}
	var cookies []*proto.NetworkCookieParam
	if err := json.Unmarshal(data, &cookies); err != nil {
		return fmt.Errorf("parse cookie file: %w", err)
	}
	if err := page.SetCookies(cookies); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// scrollOnce moves one viewport on whichever ancestor of the first item
// owns the scrollbar, falling back to the document scroller.
func (f *Fetcher) scrollOnce(ctx context.Context, page *rod.Page) error {
	js := fmt.Sprintf(`() => {
		const first = document.querySelector(%q);
		let box = document.scrollingElement;
		let el = first;
		while (el && el !== document.documentElement) {
			const st = window.getComputedStyle(el);
			if ((st.overflowY === 'auto' || st.overflowY === 'scroll') &&
				el.scrollHeight > el.clientHeight) {
				box = el;
				break;
			}
			el = el.parentElement;
		}
		box.scrollBy({ top: box.clientHeight, behavior: 'instant' });
	}`, f.cfg.ItemSelector)

	if _, err := page.Context(ctx).Eval(js); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

// waitSpinner waits for the loading indicator to disappear, bounded by
// SpinnerTimeout. A spinner that never appears or never leaves is not an
// error; the fixed pause and the collector's stall detection cover both.
func (f *Fetcher) waitSpinner(ctx context.Context, page *rod.Page) {
	if f.cfg.SpinnerSelector == "" {
		return
	}
	deadline := time.Now().Add(f.cfg.SpinnerTimeout)
	for time.Now().Before(deadline) {
		has, _, err := page.Context(ctx).Has(f.cfg.SpinnerSelector)
		if err != nil || !has {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// extract reads every currently rendered item into a raw record.
func (f *Fetcher) extract(ctx context.Context, page *rod.Page, conn collect.ConnectionRef) ([]collect.RawRecord, error) {
	els, err := page.Context(ctx).Elements(f.cfg.ItemSelector)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}

	base, _ := url.Parse(conn.URL)
	records := make([]collect.RawRecord, 0, len(els))
	for _, el := range els {
		rec, ok := f.extractOne(el, base)
		if ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (f *Fetcher) extractOne(el *rod.Element, base *url.URL) (collect.RawRecord, bool) {
	var name string
	if f.cfg.NameSelector != "" {
		if nameEl, err := el.Element(f.cfg.NameSelector); err == nil {
			name, _ = nameEl.Text()
		}
	}
	if name == "" {
		text, err := el.Text()
		if err != nil {
			return collect.RawRecord{}, false
		}
		name = text
	}
	name = firstLine(name)

	var href string
	if link, err := el.Element("a"); err == nil {
		if attr, err := link.Attribute("href"); err == nil && attr != nil {
			href = absoluteURL(base, *attr)
		}
	}

	var sourceID string
	if attr, err := el.Attribute("id"); err == nil && attr != nil {
		sourceID = *attr
	}

	key := href
	if key == "" {
		key = name
	}
	if key == "" {
		return collect.RawRecord{}, false
	}

	return collect.RawRecord{
		Key:         key,
		DisplayName: name,
		ProfileURL:  href,
		SourceID:    sourceID,
	}, true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func absoluteURL(base *url.URL, href string) string {
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
