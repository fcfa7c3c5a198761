// Package fellowtrack observes, for a configured set of tracked
// connections, the roster of fellows affiliated with each, and reports
// additions and removals since the last observation to a tabular sink.
//
// The core is the snapshot and diff engine: a collector that drives an
// infinite-scroll source to completion under uncertain termination
// signals, and a pure diff against the durably versioned prior roster.
// The browser, the snapshot database, and the sinks are collaborators
// behind narrow interfaces.
package fellowtrack

import (
	"context"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/fellowtrack/internal/collect"
	"github.com/hazyhaar/fellowtrack/internal/config"
	"github.com/hazyhaar/fellowtrack/internal/pipeline"
	"github.com/hazyhaar/fellowtrack/internal/publish"
	"github.com/hazyhaar/fellowtrack/internal/roster"
	"github.com/hazyhaar/fellowtrack/internal/scrape"
	"github.com/hazyhaar/fellowtrack/internal/scrape/browser"
	"github.com/hazyhaar/fellowtrack/internal/sink"
	"github.com/hazyhaar/fellowtrack/internal/snapshot"
)

// Tracker is the top-level orchestrator. It owns the browser, the
// snapshot store, and the sinks. Create one per run.
type Tracker struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *snapshot.Store
	mgr     *browser.Manager // nil when a custom fetcher is injected
	fetcher collect.PageFetcher
	sinks   *sink.Router
	pipe    *pipeline.Pipeline
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithPageFetcher replaces the browser-backed page source, e.g. with an
// API client or a test fake. The browser is then never launched.
func WithPageFetcher(f collect.PageFetcher) Option {
	return func(t *Tracker) { t.fetcher = f }
}

// WithSink replaces the configured sinks with a single sink.
func WithSink(s sink.RowSink) Option {
	return func(t *Tracker) { t.sinks = sink.NewRouter(t.logger, s) }
}

// New creates a Tracker from configuration. Call Run to execute one pass
// and Close to release the store, sinks, and browser.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := snapshot.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	t := &Tracker{cfg: cfg, logger: logger, store: store}
	for _, o := range opts {
		o(t)
	}

	if t.sinks == nil {
		sinks, err := buildSinks(cfg.Sinks)
		if err != nil {
			store.Close()
			return nil, err
		}
		t.sinks = sink.NewRouter(logger, sinks...)
	}

	if t.fetcher == nil {
		t.mgr = browser.NewManager(browser.Config{
			RemoteURL: cfg.Browser.Remote,
			Headless:  cfg.Browser.Headless == nil || *cfg.Browser.Headless,
			Logger:    logger,
		})
		t.fetcher = scrape.New(t.mgr, scrape.Config{
			ItemSelector:    cfg.Scrape.ItemSelector,
			NameSelector:    cfg.Scrape.NameSelector,
			SpinnerSelector: cfg.Scrape.SpinnerSelector,
			CookieFile:      cfg.Scrape.CookieFile,
			ScrollPause:     cfg.Scrape.ScrollPause.Std(),
			SpinnerTimeout:  cfg.Scrape.SpinnerTimeout.Std(),
			NavTimeout:      cfg.Scrape.NavTimeout.Std(),
		}, logger)
	}

	collector := collect.New(t.fetcher, collect.Config{
		MaxPages:     cfg.Collect.MaxPages,
		DrainPages:   cfg.Collect.DrainPages,
		MaxAttempts:  cfg.Collect.MaxAttempts,
		RetryBackoff: cfg.Collect.RetryBackoff.Std(),
	}, logger)

	normalizer := roster.New(identityPrecedence(cfg.Identity.Precedence), logger)

	publisher := publish.New(t.sinks, publish.Config{
		MaxAttempts:  cfg.Publish.MaxAttempts,
		RetryBackoff: cfg.Publish.RetryBackoff.Std(),
	}, logger)

	t.pipe = pipeline.New(collector, normalizer, store, publisher,
		pipeline.Config{Workers: cfg.Workers}, logger)
	return t, nil
}

// Run executes one observation pass over all configured connections and
// returns one result per connection, in configuration order.
func (t *Tracker) Run(ctx context.Context) ([]ConnectionResult, error) {
	if t.mgr != nil {
		if _, err := t.mgr.Start(); err != nil {
			return nil, err
		}
	}

	conns := make([]collect.ConnectionRef, len(t.cfg.Connections))
	for i, c := range t.cfg.Connections {
		conns[i] = collect.ConnectionRef{ID: c.ID, Label: c.Label, URL: c.URL}
	}
	return t.pipe.Run(ctx, conns), nil
}

// Store exposes the snapshot store for audit queries.
func (t *Tracker) Store() *snapshot.Store { return t.store }

// Close releases the browser, sinks, and store.
func (t *Tracker) Close() error {
	var firstErr error
	if c, ok := t.fetcher.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			firstErr = err
		}
	}
	if t.mgr != nil {
		if err := t.mgr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.sinks.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func buildSinks(cfgs []config.SinkConfig) ([]sink.RowSink, error) {
	out := make([]sink.RowSink, 0, len(cfgs))
	for _, sc := range cfgs {
		switch sc.Type {
		case "stdout":
			out = append(out, sink.NewStdout(nil))
		case "csv":
			s, err := sink.NewCSV(sc.Path)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		case "webhook":
			out = append(out, sink.NewWebhook(sc.URL))
		default:
			return nil, fmt.Errorf("fellowtrack: unknown sink type %q", sc.Type)
		}
	}
	return out, nil
}

func identityPrecedence(fields []string) []roster.IdentityField {
	out := make([]roster.IdentityField, 0, len(fields))
	for _, f := range fields {
		out = append(out, roster.IdentityField(f))
	}
	return out
}
