package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func sampleRows() []Row {
	return []Row{
		{IdentityKey: "https://example.com/a", DisplayName: "Acme", ProfileURL: "https://example.com/a", ChangeKind: "added", Timestamp: "2026-08-30T12:00:00Z"},
		{IdentityKey: "https://example.com/b", DisplayName: "Beta", ProfileURL: "https://example.com/b", ChangeKind: "removed", Timestamp: "2026-08-30T12:00:00Z"},
	}
}

func TestStdoutWritesEnvelope(t *testing.T) {
	// WHAT: The stdout sink writes one JSON-lines envelope per batch.
	// WHY: Downstream consumers parse line-delimited JSON.
	var buf bytes.Buffer
	s := NewStdout(&buf)

	if err := s.WriteRows(context.Background(), "conn-1", sampleRows()); err != nil {
		t.Fatalf("write rows: %v", err)
	}

	var env struct {
		ConnectionID string `json:"connection_id"`
		Rows         []Row  `json:"rows"`
	}
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if env.ConnectionID != "conn-1" || len(env.Rows) != 2 {
		t.Errorf("envelope = %+v", env)
	}
	if env.Rows[0].ChangeKind != "added" {
		t.Errorf("row 0 = %+v", env.Rows[0])
	}
}

func TestCSVWritesHeaderOnceAndAppends(t *testing.T) {
	// WHAT: A new CSV file gets a header; reopening appends without a
	// second header.
	// WHY: The file is a long-lived append log across runs.
	path := filepath.Join(t.TempDir(), "changes.csv")

	s, err := NewCSV(path)
	if err != nil {
		t.Fatalf("new csv: %v", err)
	}
	if err := s.WriteRows(context.Background(), "conn-1", sampleRows()[:1]); err != nil {
		t.Fatalf("write rows: %v", err)
	}
	s.Close()

	s, err = NewCSV(path)
	if err != nil {
		t.Fatalf("reopen csv: %v", err)
	}
	if err := s.WriteRows(context.Background(), "conn-1", sampleRows()[1:]); err != nil {
		t.Fatalf("write rows after reopen: %v", err)
	}
	s.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d csv lines, want header + 2 rows", len(records))
	}
	if records[0][0] != "connection_id" {
		t.Errorf("header = %v", records[0])
	}
	if records[1][5] != "2026-08-30T12:00:00Z" || records[2][4] != "removed" {
		t.Errorf("rows = %v", records[1:])
	}
}

type failSink struct{ calls int }

func (f *failSink) WriteRows(context.Context, string, []Row) error {
	f.calls++
	return errors.New("down")
}
func (f *failSink) Close() error { return nil }

type okSink struct{ calls int }

func (o *okSink) WriteRows(context.Context, string, []Row) error {
	o.calls++
	return nil
}
func (o *okSink) Close() error { return nil }

func TestRouterFansOutPastFailures(t *testing.T) {
	// WHAT: The router delivers to every sink even when one fails, and
	// returns the first error.
	// WHY: One dead backend must not starve the others of rows.
	bad := &failSink{}
	good := &okSink{}
	r := NewRouter(nil, bad, good)

	err := r.WriteRows(context.Background(), "conn-1", sampleRows())
	if err == nil {
		t.Fatal("router swallowed the sink error")
	}
	if bad.calls != 1 || good.calls != 1 {
		t.Errorf("calls = bad %d good %d, want 1 each", bad.calls, good.calls)
	}
}
