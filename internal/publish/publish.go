// Package publish turns a change set into sink rows and delivers them.
//
// Delivery is at-least-once: on sink failure the caller must not commit
// the new snapshot, so the next run recomputes the same diff against the
// still-current older snapshot and redelivers. A partially applied batch
// before a failure can therefore produce duplicate rows in the sink; that
// trade-off is documented, not hidden.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/fellowtrack/internal/collect"
	"github.com/hazyhaar/fellowtrack/internal/diffing"
	"github.com/hazyhaar/fellowtrack/internal/sink"
)

// PublishError reports that sink delivery exhausted its retry budget.
type PublishError struct {
	ConnectionID string
	Attempts     int
	Err          error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish: delivery failed for %s after %d attempts: %v",
		e.ConnectionID, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Config configures a Publisher.
type Config struct {
	// MaxAttempts is the delivery attempt budget. Default: 3.
	MaxAttempts int
	// RetryBackoff is the initial wait between attempts, doubled each
	// retry. Default: 500ms.
	RetryBackoff time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Result reports the outcome of one Publish call.
type Result struct {
	Written int
	Skipped bool
	Reason  string // set when Skipped: "baseline" or "no changes"
}

// Publisher delivers change sets to a row sink.
type Publisher struct {
	sink   sink.RowSink
	config Config
	logger *slog.Logger
}

// New creates a Publisher.
func New(s sink.RowSink, cfg Config, logger *slog.Logger) *Publisher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{sink: s, config: cfg, logger: logger}
}

// Publish delivers cs to the sink. Baseline and empty change sets are
// skipped without touching the sink. On retry exhaustion it returns a
// *PublishError; the caller must not commit the new roster.
func (p *Publisher) Publish(ctx context.Context, conn collect.ConnectionRef, cs *diffing.ChangeSet) (*Result, error) {
	if cs.Baseline {
		return &Result{Skipped: true, Reason: "baseline"}, nil
	}
	if cs.Empty() {
		return &Result{Skipped: true, Reason: "no changes"}, nil
	}

	rows := Rows(cs)
	log := p.logger.With("connection_id", conn.ID)

	var lastErr error
	for attempt := 0; attempt < p.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := p.config.RetryBackoff * (1 << uint(attempt-1))
			log.Warn("publish: retrying delivery",
				"attempt", attempt+1, "max_attempts", p.config.MaxAttempts,
				"backoff_ms", wait.Milliseconds(), "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, &PublishError{ConnectionID: conn.ID, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}
		err := p.sink.WriteRows(ctx, conn.ID, rows)
		if err == nil {
			log.Info("publish: delivered", "rows", len(rows), "to_version", cs.ToVersion)
			return &Result{Written: len(rows)}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &PublishError{ConnectionID: conn.ID, Attempts: p.config.MaxAttempts, Err: lastErr}
}

// Rows maps change records to sink rows, 1:1 and in change set order.
func Rows(cs *diffing.ChangeSet) []sink.Row {
	rows := make([]sink.Row, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		rows = append(rows, sink.Row{
			IdentityKey: c.IdentityKey,
			DisplayName: c.Record.DisplayName,
			ProfileURL:  c.Record.ProfileURL,
			ChangeKind:  string(c.Kind),
			Timestamp:   c.Record.ObservedAt.UTC().Format(time.RFC3339),
		})
	}
	return rows
}
