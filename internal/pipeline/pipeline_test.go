package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/fellowtrack/internal/collect"
	"github.com/hazyhaar/fellowtrack/internal/publish"
	"github.com/hazyhaar/fellowtrack/internal/roster"
	"github.com/hazyhaar/fellowtrack/internal/sink"
	"github.com/hazyhaar/fellowtrack/internal/snapshot"
)

// mapFetcher serves each connection's configured records as one page.
type mapFetcher struct {
	records map[string][]collect.RawRecord
	fail    map[string]error // connections whose fetch always fails
}

func (f *mapFetcher) FetchPage(_ context.Context, conn collect.ConnectionRef, _ collect.Cursor) (*collect.Page, error) {
	if err := f.fail[conn.ID]; err != nil {
		return nil, err
	}
	return &collect.Page{Records: f.records[conn.ID], End: true}, nil
}

// memSink collects written rows and optionally fails every write.
type memSink struct {
	failing bool
	writes  [][]sink.Row
}

func (s *memSink) WriteRows(_ context.Context, _ string, rows []sink.Row) error {
	if s.failing {
		return errors.New("sink down")
	}
	s.writes = append(s.writes, rows)
	return nil
}

func (s *memSink) Close() error { return nil }

func raw(keys ...string) []collect.RawRecord {
	out := make([]collect.RawRecord, len(keys))
	for i, k := range keys {
		out[i] = collect.RawRecord{
			Key:         k,
			DisplayName: "Name " + k,
			ProfileURL:  "https://example.com/" + k,
		}
	}
	return out
}

func openTestStore(t *testing.T) *snapshot.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := snapshot.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return snapshot.NewStore(db)
}

func newTestPipeline(t *testing.T, f collect.PageFetcher, store *snapshot.Store, s sink.RowSink) *Pipeline {
	t.Helper()
	fast := time.Millisecond
	return New(
		collect.New(f, collect.Config{RetryBackoff: fast}, nil),
		roster.New(nil, nil),
		store,
		publish.New(s, publish.Config{RetryBackoff: fast}, nil),
		Config{},
		nil,
	)
}

func conn(id string) collect.ConnectionRef {
	return collect.ConnectionRef{ID: id, Label: "Conn " + id, URL: "https://example.com/" + id}
}

func TestRunBaselineCommitsWithoutPublishing(t *testing.T) {
	// WHAT: A first-ever observation commits snapshot version 1 and
	// publishes nothing.
	// WHY: Baseline establishes state; the sink only sees changes.
	store := openTestStore(t)
	s := &memSink{}
	f := &mapFetcher{records: map[string][]collect.RawRecord{"c1": raw("a", "b")}}
	p := newTestPipeline(t, f, store, s)

	res := p.RunConnection(context.Background(), conn("c1"))
	if res.Status != StatusOK || !res.Baseline {
		t.Fatalf("result = %+v, want ok baseline", res)
	}
	if res.Added != 2 || res.Version != 1 {
		t.Errorf("result = %+v, want added=2 version=1", res)
	}
	if len(s.writes) != 0 {
		t.Errorf("sink received %d writes on baseline, want 0", len(s.writes))
	}

	snap, err := store.Current(context.Background(), "c1")
	if err != nil || snap == nil || snap.Version != 1 {
		t.Fatalf("current after baseline = %+v, %v", snap, err)
	}
}

func TestRunPublishesDiffThenCommits(t *testing.T) {
	// WHAT: A second observation publishes exactly the diff and commits
	// version 2.
	// WHY: The whole point: additions and removals since last time, in
	// deterministic order.
	store := openTestStore(t)
	s := &memSink{}
	f := &mapFetcher{records: map[string][]collect.RawRecord{"c1": raw("a", "b")}}
	p := newTestPipeline(t, f, store, s)

	if res := p.RunConnection(context.Background(), conn("c1")); res.Status != StatusOK {
		t.Fatalf("baseline run: %+v", res)
	}

	f.records["c1"] = raw("b", "c")
	res := p.RunConnection(context.Background(), conn("c1"))
	if res.Status != StatusOK || res.Baseline {
		t.Fatalf("result = %+v, want ok non-baseline", res)
	}
	if res.Added != 1 || res.Removed != 1 || res.Version != 2 {
		t.Errorf("result = %+v, want added=1 removed=1 version=2", res)
	}

	if len(s.writes) != 1 {
		t.Fatalf("sink received %d writes, want 1", len(s.writes))
	}
	var got []string
	for _, r := range s.writes[0] {
		got = append(got, r.ChangeKind+":"+r.IdentityKey)
	}
	want := []string{"added:https://example.com/c", "removed:https://example.com/a"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("rows = %v, want %v", got, want)
	}
}

func TestRunNoChangesSkipsCommit(t *testing.T) {
	// WHAT: An unchanged roster neither publishes nor advances the
	// snapshot version.
	// WHY: The current snapshot already matches; versions advance only
	// when state changes.
	store := openTestStore(t)
	s := &memSink{}
	f := &mapFetcher{records: map[string][]collect.RawRecord{"c1": raw("a")}}
	p := newTestPipeline(t, f, store, s)

	p.RunConnection(context.Background(), conn("c1"))
	res := p.RunConnection(context.Background(), conn("c1"))
	if res.Status != StatusOK || res.Added != 0 || res.Removed != 0 {
		t.Fatalf("result = %+v, want ok with no changes", res)
	}
	if res.Version != 1 {
		t.Errorf("version = %d, want 1 (no new commit)", res.Version)
	}
	if len(s.writes) != 0 {
		t.Errorf("sink received %d writes, want 0", len(s.writes))
	}
}

func TestRunPublishFailureBlocksCommitAndReplays(t *testing.T) {
	// WHAT: A failed publish leaves the prior snapshot current, and the
	// next run reproduces an identical change set.
	// WHY: At-least-once delivery: no commit without sink confirmation,
	// so nothing is ever lost between runs.
	store := openTestStore(t)
	s := &memSink{}
	f := &mapFetcher{records: map[string][]collect.RawRecord{"c1": raw("a")}}
	p := newTestPipeline(t, f, store, s)

	p.RunConnection(context.Background(), conn("c1"))

	f.records["c1"] = raw("a", "b")
	s.failing = true
	res := p.RunConnection(context.Background(), conn("c1"))
	if res.Status != StatusPublishFailed {
		t.Fatalf("result = %+v, want publish-failed", res)
	}
	var pe *publish.PublishError
	if !errors.As(res.Err, &pe) {
		t.Errorf("err = %v, want PublishError", res.Err)
	}

	snap, _ := store.Current(context.Background(), "c1")
	if snap.Version != 1 {
		t.Fatalf("version advanced to %d after failed publish, want 1", snap.Version)
	}

	// Source unchanged: the retry run must deliver the same diff.
	s.failing = false
	res = p.RunConnection(context.Background(), conn("c1"))
	if res.Status != StatusOK || res.Added != 1 || res.Removed != 0 {
		t.Fatalf("retry result = %+v, want ok added=1", res)
	}
	if len(s.writes) != 1 || s.writes[0][0].IdentityKey != "https://example.com/b" {
		t.Errorf("retry writes = %+v", s.writes)
	}
	snap, _ = store.Current(context.Background(), "c1")
	if snap.Version != 2 {
		t.Errorf("version = %d after successful retry, want 2", snap.Version)
	}
}

func TestRunIncompleteCollectionCommitsNothing(t *testing.T) {
	// WHAT: A failed collection ends the connection with status
	// incomplete and leaves the store untouched.
	// WHY: Diffing a partial roster would manufacture false removals.
	store := openTestStore(t)
	s := &memSink{}
	f := &mapFetcher{
		records: map[string][]collect.RawRecord{},
		fail:    map[string]error{"c1": errors.New("source gone")},
	}
	p := newTestPipeline(t, f, store, s)

	res := p.RunConnection(context.Background(), conn("c1"))
	if res.Status != StatusIncomplete {
		t.Fatalf("result = %+v, want incomplete", res)
	}
	var inc *collect.IncompleteError
	if !errors.As(res.Err, &inc) {
		t.Errorf("err = %v, want IncompleteError", res.Err)
	}
	snap, _ := store.Current(context.Background(), "c1")
	if snap != nil {
		t.Errorf("snapshot committed after incomplete collection: %+v", snap)
	}
}

func TestRunConnectionsAreIsolated(t *testing.T) {
	// WHAT: One connection's failure never aborts the others.
	// WHY: Per-connection isolation is the whole error propagation
	// model.
	store := openTestStore(t)
	s := &memSink{}
	f := &mapFetcher{
		records: map[string][]collect.RawRecord{"good": raw("a")},
		fail:    map[string]error{"bad": errors.New("source gone")},
	}
	p := newTestPipeline(t, f, store, s)

	results := p.Run(context.Background(), []collect.ConnectionRef{conn("bad"), conn("good")})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Results in input order.
	if results[0].Connection.ID != "bad" || results[0].Status != StatusIncomplete {
		t.Errorf("results[0] = %+v, want bad/incomplete", results[0])
	}
	if results[1].Connection.ID != "good" || results[1].Status != StatusOK {
		t.Errorf("results[1] = %+v, want good/ok", results[1])
	}
}

func TestRunRecordsChangeLog(t *testing.T) {
	// WHAT: Each commit leaves an audit row keyed by (connection,
	// to_version) with the run's counts and publish flag.
	// WHY: ChangeSets are transient; the audit trail is how a run is
	// reconstructed afterwards.
	store := openTestStore(t)
	s := &memSink{}
	f := &mapFetcher{records: map[string][]collect.RawRecord{"c1": raw("a")}}
	p := newTestPipeline(t, f, store, s)

	p.RunConnection(context.Background(), conn("c1"))
	f.records["c1"] = raw("a", "b")
	p.RunConnection(context.Background(), conn("c1"))

	log, err := store.ChangeLog(context.Background(), "c1")
	if err != nil {
		t.Fatalf("change log: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("got %d audit rows, want 2", len(log))
	}
	// Newest first: version 2 was published, version 1 was baseline.
	if log[0].ToVersion != 2 || !log[0].Published || log[0].Added != 1 {
		t.Errorf("audit row v2 = %+v", log[0])
	}
	if log[1].ToVersion != 1 || log[1].Published {
		t.Errorf("audit row v1 = %+v", log[1])
	}
}
