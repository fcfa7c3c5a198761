// Package pipeline runs the collect → normalize → diff → publish → commit
// sequence for each tracked connection.
//
// Connections are independent: each runs in its own worker with no shared
// mutable state other than the snapshot store, and one connection's
// failure never aborts the others. Within a connection the order is
// strict; the new snapshot is committed only after the sink confirmed the
// change set (or the change set needed no publishing).
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/fellowtrack/internal/collect"
	"github.com/hazyhaar/fellowtrack/internal/diffing"
	"github.com/hazyhaar/fellowtrack/internal/publish"
	"github.com/hazyhaar/fellowtrack/internal/roster"
	"github.com/hazyhaar/fellowtrack/internal/snapshot"
)

// Status is the per-connection outcome of one run.
type Status string

const (
	StatusOK            Status = "ok"
	StatusIncomplete    Status = "incomplete"
	StatusPublishFailed Status = "publish-failed"
	StatusError         Status = "error"
)

// ConnectionResult summarizes one connection's run.
type ConnectionResult struct {
	Connection collect.ConnectionRef
	Status     Status
	Baseline   bool
	Added      int
	Removed    int
	Dropped    int // records dropped during normalization
	Version    int64
	Err        error
}

// Config configures a Pipeline.
type Config struct {
	// Workers bounds concurrent connection runs. Default: 2, sized to
	// respect source rate limits.
	Workers int
	// CommitAttempts bounds re-diff retries after a version conflict.
	// Default: 3.
	CommitAttempts int
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.CommitAttempts <= 0 {
		c.CommitAttempts = 3
	}
}

// Pipeline wires the five core components together.
type Pipeline struct {
	collector  *collect.Collector
	normalizer *roster.Normalizer
	store      *snapshot.Store
	publisher  *publish.Publisher
	config     Config
	logger     *slog.Logger
}

// New creates a Pipeline.
func New(collector *collect.Collector, normalizer *roster.Normalizer, store *snapshot.Store, publisher *publish.Publisher, cfg Config, logger *slog.Logger) *Pipeline {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		collector:  collector,
		normalizer: normalizer,
		store:      store,
		publisher:  publisher,
		config:     cfg,
		logger:     logger,
	}
}

// Run processes all connections over a bounded worker pool and returns
// one result per connection, in input order.
func (p *Pipeline) Run(ctx context.Context, conns []collect.ConnectionRef) []ConnectionResult {
	runID := uuid.NewString()
	p.logger.Info("pipeline: run started", "run_id", runID, "connections", len(conns))

	results := make([]ConnectionResult, len(conns))
	sem := make(chan struct{}, p.config.Workers)
	var wg sync.WaitGroup

	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn collect.ConnectionRef) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = p.runConnection(ctx, runID, conn)
		}(i, conn)
	}
	wg.Wait()

	p.logger.Info("pipeline: run finished", "run_id", runID)
	return results
}

// RunConnection processes a single connection under a fresh run ID.
func (p *Pipeline) RunConnection(ctx context.Context, conn collect.ConnectionRef) ConnectionResult {
	return p.runConnection(ctx, uuid.NewString(), conn)
}

func (p *Pipeline) runConnection(ctx context.Context, runID string, conn collect.ConnectionRef) ConnectionResult {
	log := p.logger.With("run_id", runID, "connection_id", conn.ID)
	res := ConnectionResult{Connection: conn}

	raw, err := p.collector.Collect(ctx, conn)
	if err != nil {
		log.Error("pipeline: collection failed", "error", err)
		res.Status = StatusIncomplete
		res.Err = err
		return res
	}

	ros, warnings := p.normalizer.Normalize(conn, raw, time.Now())
	res.Dropped = len(warnings)

	// Version conflicts force a re-read and re-diff: the change set is a
	// function of the pair returned by Current, so the pair must be
	// re-established after any concurrent commit.
	var lastErr error
	for attempt := 0; attempt < p.config.CommitAttempts; attempt++ {
		prev, err := p.store.Current(ctx, conn.ID)
		if err != nil {
			log.Error("pipeline: read snapshot failed", "error", err)
			res.Status = StatusError
			res.Err = err
			return res
		}

		cs := diffing.Diff(prev, ros)
		res.Baseline = cs.Baseline
		res.Added, res.Removed = cs.Counts()

		pres, err := p.publisher.Publish(ctx, conn, cs)
		if err != nil {
			// No commit: the still-current snapshot reproduces this diff
			// on the next run.
			log.Error("pipeline: publish failed, keeping prior snapshot", "error", err)
			res.Status = StatusPublishFailed
			res.Err = err
			return res
		}

		if !cs.Baseline && cs.Empty() {
			// Nothing changed; the current snapshot already matches the
			// roster, so there is no new state to record.
			log.Info("pipeline: no changes", "version", cs.FromVersion)
			res.Status = StatusOK
			res.Version = cs.FromVersion
			return res
		}

		entry := &snapshot.ChangeLogEntry{
			RunID:     runID,
			Added:     res.Added,
			Removed:   res.Removed,
			Published: !pres.Skipped,
		}
		snap, err := p.store.Commit(ctx, conn.ID, ros, cs.FromVersion, entry)
		if err != nil {
			var conflict *snapshot.ConflictError
			if errors.As(err, &conflict) {
				log.Warn("pipeline: version conflict, re-diffing",
					"expected", conflict.Expected, "found", conflict.Found)
				lastErr = err
				continue
			}
			log.Error("pipeline: commit failed", "error", err)
			res.Status = StatusError
			res.Err = err
			return res
		}

		log.Info("pipeline: connection done",
			"version", snap.Version, "added", res.Added, "removed", res.Removed,
			"baseline", res.Baseline, "dropped", res.Dropped)
		res.Status = StatusOK
		res.Version = snap.Version
		return res
	}

	res.Status = StatusError
	res.Err = lastErr
	return res
}
