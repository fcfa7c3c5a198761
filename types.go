package fellowtrack

import (
	"github.com/hazyhaar/fellowtrack/internal/collect"
	"github.com/hazyhaar/fellowtrack/internal/config"
	"github.com/hazyhaar/fellowtrack/internal/diffing"
	"github.com/hazyhaar/fellowtrack/internal/pipeline"
	"github.com/hazyhaar/fellowtrack/internal/publish"
	"github.com/hazyhaar/fellowtrack/internal/roster"
	"github.com/hazyhaar/fellowtrack/internal/sink"
	"github.com/hazyhaar/fellowtrack/internal/snapshot"
)

// Re-export internal types for the public API.
type (
	Config           = config.Config
	Connection       = collect.ConnectionRef
	RawRecord        = collect.RawRecord
	Cursor           = collect.Cursor
	Page             = collect.Page
	PageFetcher      = collect.PageFetcher
	FellowRecord     = roster.FellowRecord
	Roster           = roster.Roster
	Snapshot         = snapshot.Snapshot
	ChangeSet        = diffing.ChangeSet
	ChangeRecord     = diffing.ChangeRecord
	ChangeKind       = diffing.Kind
	Row              = sink.Row
	RowSink          = sink.RowSink
	PublishResult    = publish.Result
	ConnectionResult = pipeline.ConnectionResult
	Status           = pipeline.Status
)

// Change kinds.
const (
	Added   = diffing.KindAdded
	Removed = diffing.KindRemoved
)

// Per-connection statuses.
const (
	StatusOK            = pipeline.StatusOK
	StatusIncomplete    = pipeline.StatusIncomplete
	StatusPublishFailed = pipeline.StatusPublishFailed
	StatusError         = pipeline.StatusError
)

// LoadConfigFile reads a YAML configuration file with environment
// overrides applied.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}
