package fellowtrack

import (
	"github.com/hazyhaar/fellowtrack/internal/collect"
	"github.com/hazyhaar/fellowtrack/internal/publish"
	"github.com/hazyhaar/fellowtrack/internal/roster"
	"github.com/hazyhaar/fellowtrack/internal/scrape"
	"github.com/hazyhaar/fellowtrack/internal/snapshot"
)

// Error types surfaced by the pipeline. Use errors.As to classify a
// ConnectionResult's Err.
type (
	// CollectionIncompleteError: paging retries exhausted; nothing was
	// diffed or committed for the connection this run.
	CollectionIncompleteError = collect.IncompleteError
	// VersionConflictError: a concurrent commit advanced the snapshot
	// between read and commit.
	VersionConflictError = snapshot.ConflictError
	// PublishFailedError: sink delivery exhausted retries; the prior
	// snapshot stays current so the next run redelivers.
	PublishFailedError = publish.PublishError
	// SourceUnavailableError: the scraping source rejected or dropped us.
	SourceUnavailableError = scrape.UnavailableError
)

// ErrUnstableIdentity marks a record dropped during normalization because
// no stable identity field was available.
var ErrUnstableIdentity = roster.ErrUnstableIdentity
