// Package diffing compares a prior snapshot against a freshly collected
// roster and classifies the difference.
//
// Diff is a pure function of its two inputs: identical inputs always yield
// an identical ChangeSet, regardless of record order within either input.
// A renamed or re-keyed entity is indistinguishable from a removal plus an
// addition under this identity model; that is a known limitation of the
// source, not something the diff can repair.
package diffing

import (
	"sort"

	"github.com/hazyhaar/fellowtrack/internal/roster"
	"github.com/hazyhaar/fellowtrack/internal/snapshot"
)

// Kind classifies one change.
type Kind string

const (
	KindAdded   Kind = "added"
	KindRemoved Kind = "removed"
)

// ChangeRecord is one classified change. Record is a copy of the observed
// record for additions, or the last-known record for removals.
type ChangeRecord struct {
	Kind        Kind
	IdentityKey string
	Record      roster.FellowRecord
}

// ChangeSet is the ordered difference between two roster versions:
// additions first, then removals, each group ascending by identity key.
type ChangeSet struct {
	ConnectionID string
	FromVersion  int64
	ToVersion    int64
	// Baseline marks a first-ever observation: every record is an
	// addition and the set is conventionally not published, to avoid
	// flooding the sink on day one.
	Baseline bool
	Changes  []ChangeRecord
}

// Empty reports whether the change set contains no changes.
func (cs *ChangeSet) Empty() bool { return len(cs.Changes) == 0 }

// Counts returns the number of added and removed records.
func (cs *ChangeSet) Counts() (added, removed int) {
	for _, c := range cs.Changes {
		if c.Kind == KindAdded {
			added++
		} else {
			removed++
		}
	}
	return added, removed
}

// Diff computes the change set between previous (nil for a first-ever
// observation) and current.
func Diff(previous *snapshot.Snapshot, current *roster.Roster) *ChangeSet {
	cs := &ChangeSet{ConnectionID: current.ConnectionID}

	if previous == nil {
		cs.Baseline = true
		cs.FromVersion = 0
		cs.ToVersion = 1
		for _, rec := range sortedByKey(current.Records) {
			cs.Changes = append(cs.Changes, ChangeRecord{
				Kind:        KindAdded,
				IdentityKey: rec.IdentityKey,
				Record:      rec,
			})
		}
		return cs
	}

	cs.FromVersion = previous.Version
	cs.ToVersion = previous.Version + 1

	prevKeys := previous.Keys()
	curKeys := current.Keys()

	for _, rec := range sortedByKey(current.Records) {
		if _, known := prevKeys[rec.IdentityKey]; !known {
			cs.Changes = append(cs.Changes, ChangeRecord{
				Kind:        KindAdded,
				IdentityKey: rec.IdentityKey,
				Record:      rec,
			})
		}
	}
	for _, rec := range sortedByKey(previous.Records) {
		if _, still := curKeys[rec.IdentityKey]; !still {
			cs.Changes = append(cs.Changes, ChangeRecord{
				Kind:        KindRemoved,
				IdentityKey: rec.IdentityKey,
				Record:      rec,
			})
		}
	}
	return cs
}

// sortedByKey returns a copy of records ordered by identity key, so the
// output never depends on source page order.
func sortedByKey(records []roster.FellowRecord) []roster.FellowRecord {
	out := make([]roster.FellowRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool {
		return out[i].IdentityKey < out[j].IdentityKey
	})
	return out
}
