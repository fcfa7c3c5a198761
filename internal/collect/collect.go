// Package collect drives an abstract paginated source to completion,
// producing the complete deduplicated set of raw records for one tracked
// connection.
//
// Sources with infinite scroll rarely send a reliable end-of-data signal,
// so termination is a small explicit state machine: paging while fresh
// records arrive, draining for a bounded number of stale pages, done when
// the drain budget is spent, the source signals end, or the page cap is
// reached.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CursorStart is the cursor for the first page of a collection pass.
const CursorStart = Cursor("")

// Cursor is an opaque pagination token owned by the fetcher.
type Cursor string

// ConnectionRef identifies one tracked connection during a run.
type ConnectionRef struct {
	ID    string
	Label string
	URL   string
}

// RawRecord is one party as emitted by the source, before identity
// normalization. Key is the raw source identity used for in-run dedup;
// it tolerates the source re-serving the same record with cosmetic
// differences across pages.
type RawRecord struct {
	Key         string
	DisplayName string
	ProfileURL  string
	SourceID    string
	Extra       map[string]string
}

// Page is one fetch result. End reports that the source explicitly
// signalled end-of-data; Next is only meaningful when End is false.
type Page struct {
	Records []RawRecord
	Next    Cursor
	End     bool
}

// PageFetcher supplies pages for a connection. Fetches for one connection
// are sequential: the next cursor depends on the previous response.
type PageFetcher interface {
	FetchPage(ctx context.Context, conn ConnectionRef, cursor Cursor) (*Page, error)
}

// Config configures a Collector.
type Config struct {
	// MaxPages is the safety cap on fetched pages per connection. Default: 300.
	MaxPages int
	// DrainPages is how many consecutive pages with zero unseen records
	// are tolerated before the pass is declared complete. Default: 2.
	DrainPages int
	// MaxAttempts is the per-page fetch attempt budget. Default: 3.
	MaxAttempts int
	// RetryBackoff is the initial wait between attempts, doubled each
	// retry. Default: 500ms.
	RetryBackoff time.Duration
}

func (c *Config) defaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 300
	}
	if c.DrainPages <= 0 {
		c.DrainPages = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Collector accumulates a complete roster from a PageFetcher.
type Collector struct {
	fetcher PageFetcher
	config  Config
	logger  *slog.Logger
}

// New creates a Collector.
func New(fetcher PageFetcher, cfg Config, logger *slog.Logger) *Collector {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{fetcher: fetcher, config: cfg, logger: logger}
}

// collection phase, advanced only by observePage.
type phase int

const (
	statePaging phase = iota
	stateDraining
	stateDone
)

// Collect fetches pages until termination and returns every distinct raw
// record, in first-seen order. On retry exhaustion it returns an
// *IncompleteError and no records: a partial roster must never be diffed,
// it would manufacture false removals.
func (c *Collector) Collect(ctx context.Context, conn ConnectionRef) ([]RawRecord, error) {
	log := c.logger.With("connection_id", conn.ID)

	var out []RawRecord
	seen := make(map[string]struct{})
	cursor := CursorStart
	state := statePaging
	stale := 0

	for pages := 0; state != stateDone; pages++ {
		if pages >= c.config.MaxPages {
			log.Warn("collect: page cap reached, stopping", "pages", pages)
			break
		}
		// Cooperative cancellation between fetches. Partial state is
		// discarded by the caller, never committed.
		if err := ctx.Err(); err != nil {
			return nil, &IncompleteError{ConnectionID: conn.ID, Pages: pages, Err: err}
		}

		page, err := c.fetchWithRetry(ctx, conn, cursor, log)
		if err != nil {
			return nil, &IncompleteError{ConnectionID: conn.ID, Pages: pages, Err: err}
		}

		fresh := 0
		for _, r := range page.Records {
			if r.Key == "" {
				continue
			}
			if _, dup := seen[r.Key]; dup {
				continue
			}
			seen[r.Key] = struct{}{}
			out = append(out, r)
			fresh++
		}

		switch {
		case page.End:
			state = stateDone
		case fresh == 0:
			stale++
			if stale >= c.config.DrainPages {
				state = stateDone
			} else {
				state = stateDraining
			}
		default:
			stale = 0
			state = statePaging
		}

		log.Debug("collect: page done",
			"page", pages, "fresh", fresh, "total", len(out), "stale", stale)
		cursor = page.Next
	}

	log.Info("collect: pass complete", "records", len(out))
	return out, nil
}

// fetchWithRetry fetches one page with bounded exponential backoff,
// respecting ctx between attempts.
func (c *Collector) fetchWithRetry(ctx context.Context, conn ConnectionRef, cursor Cursor, log *slog.Logger) (*Page, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.config.RetryBackoff * (1 << uint(attempt-1))
			log.Warn("collect: retrying page fetch",
				"attempt", attempt+1, "max_attempts", c.config.MaxAttempts,
				"backoff_ms", wait.Milliseconds(), "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		page, err := c.fetcher.FetchPage(ctx, conn, cursor)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("fetch page after %d attempts: %w", c.config.MaxAttempts, lastErr)
}
