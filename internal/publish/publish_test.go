package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/fellowtrack/internal/collect"
	"github.com/hazyhaar/fellowtrack/internal/diffing"
	"github.com/hazyhaar/fellowtrack/internal/roster"
	"github.com/hazyhaar/fellowtrack/internal/sink"
)

// fakeSink records writes and fails the first failN calls.
type fakeSink struct {
	failN  int
	calls  int
	writes [][]sink.Row
}

func (f *fakeSink) WriteRows(_ context.Context, _ string, rows []sink.Row) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("sink down")
	}
	f.writes = append(f.writes, rows)
	return nil
}

func (f *fakeSink) Close() error { return nil }

var testConn = collect.ConnectionRef{ID: "conn-1", Label: "Conn One"}

func changeSet(baseline bool, changes ...diffing.ChangeRecord) *diffing.ChangeSet {
	return &diffing.ChangeSet{
		ConnectionID: "conn-1",
		FromVersion:  1,
		ToVersion:    2,
		Baseline:     baseline,
		Changes:      changes,
	}
}

func change(kind diffing.Kind, key string) diffing.ChangeRecord {
	return diffing.ChangeRecord{
		Kind:        kind,
		IdentityKey: key,
		Record: roster.FellowRecord{
			IdentityKey: key,
			DisplayName: "Name " + key,
			ProfileURL:  "https://example.com/" + key,
			ObservedAt:  time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		},
	}
}

func fastConfig() Config {
	return Config{RetryBackoff: time.Millisecond}
}

func TestPublishSkipsBaseline(t *testing.T) {
	// WHAT: A baseline change set is skipped without touching the sink.
	// WHY: Day-one full rosters would flood the sink with noise.
	s := &fakeSink{}
	p := New(s, fastConfig(), nil)

	res, err := p.Publish(context.Background(), testConn, changeSet(true, change(diffing.KindAdded, "a")))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !res.Skipped || res.Reason != "baseline" {
		t.Errorf("result = %+v, want skipped baseline", res)
	}
	if s.calls != 0 {
		t.Errorf("sink called %d times, want 0", s.calls)
	}
}

func TestPublishSkipsEmpty(t *testing.T) {
	// WHAT: An empty change set is skipped without touching the sink.
	// WHY: Nothing to report; writing empty batches wastes sink quota.
	s := &fakeSink{}
	p := New(s, fastConfig(), nil)

	res, err := p.Publish(context.Background(), testConn, changeSet(false))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !res.Skipped || res.Reason != "no changes" {
		t.Errorf("result = %+v, want skipped no changes", res)
	}
	if s.calls != 0 {
		t.Errorf("sink called %d times, want 0", s.calls)
	}
}

func TestPublishRowsMapInOrder(t *testing.T) {
	// WHAT: Rows map 1:1 to change records, in change set order, with
	// the change kind and an RFC3339 timestamp.
	// WHY: The sink contract promises row order mirrors the change set.
	s := &fakeSink{}
	p := New(s, fastConfig(), nil)

	cs := changeSet(false,
		change(diffing.KindAdded, "c"),
		change(diffing.KindRemoved, "a"),
	)
	res, err := p.Publish(context.Background(), testConn, cs)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Written != 2 {
		t.Errorf("written = %d, want 2", res.Written)
	}
	rows := s.writes[0]
	if rows[0].IdentityKey != "c" || rows[0].ChangeKind != "added" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].IdentityKey != "a" || rows[1].ChangeKind != "removed" {
		t.Errorf("row 1 = %+v", rows[1])
	}
	if rows[0].Timestamp != "2026-08-30T12:00:00Z" {
		t.Errorf("timestamp = %q, want RFC3339 UTC", rows[0].Timestamp)
	}
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	// WHAT: Transient sink failures are retried within the budget.
	// WHY: One flaky write must not force a whole redelivery cycle.
	s := &fakeSink{failN: 2}
	p := New(s, fastConfig(), nil)

	res, err := p.Publish(context.Background(), testConn, changeSet(false, change(diffing.KindAdded, "a")))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Written != 1 {
		t.Errorf("written = %d, want 1", res.Written)
	}
	if s.calls != 3 {
		t.Errorf("sink called %d times, want 3", s.calls)
	}
}

func TestPublishExhaustionReturnsPublishError(t *testing.T) {
	// WHAT: Exhausting retries returns a PublishError naming the
	// connection and attempt count.
	// WHY: The pipeline must distinguish a failed publish, which blocks
	// the commit, from a skip.
	s := &fakeSink{failN: 99}
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	p := New(s, cfg, nil)

	_, err := p.Publish(context.Background(), testConn, changeSet(false, change(diffing.KindAdded, "a")))
	var pe *PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("got error %v, want PublishError", err)
	}
	if pe.ConnectionID != "conn-1" || pe.Attempts != 3 {
		t.Errorf("publish error = %+v", pe)
	}
	if s.calls != 3 {
		t.Errorf("sink called %d times, want 3", s.calls)
	}
}
