// Package snapshot persists the last-known roster per tracked connection.
//
// Each commit writes a new snapshot version inside one transaction with a
// compare-and-swap on the current version, so a commit either fully
// succeeds or leaves the prior snapshot readable. Snapshots are never
// mutated in place.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/fellowtrack/internal/roster"
)

// Snapshot is a persisted, versioned roster for one connection.
type Snapshot struct {
	ConnectionID string
	Version      int64
	CapturedAt   time.Time
	Records      []roster.FellowRecord
}

// Keys returns the set of identity keys in the snapshot's roster.
func (s *Snapshot) Keys() map[string]struct{} {
	keys := make(map[string]struct{}, len(s.Records))
	for _, rec := range s.Records {
		keys[rec.IdentityKey] = struct{}{}
	}
	return keys
}

// ConflictError reports a commit race: the stored current version moved
// past the version the caller diffed against. The caller should re-read,
// re-diff, and retry.
type ConflictError struct {
	ConnectionID string
	Expected     int64
	Found        int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("snapshot: version conflict for %s: expected %d, found %d",
		e.ConnectionID, e.Expected, e.Found)
}

// ChangeLogEntry is the audit row recorded atomically with a commit.
type ChangeLogEntry struct {
	RunID     string
	Added     int
	Removed   int
	Published bool
}

// Store wraps the snapshot database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Open opens (or creates) a snapshot database at path and applies the
// schema. Uses WAL mode and foreign keys.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")
	if err := ApplySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: apply schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.DB.Close() }

// Current returns the current snapshot for a connection, or nil when the
// connection has never been observed.
func (s *Store) Current(ctx context.Context, connectionID string) (*Snapshot, error) {
	var (
		id         int64
		version    int64
		capturedAt int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, version, captured_at FROM snapshots
		 WHERE connection_id = ? AND current = 1`, connectionID).
		Scan(&id, &version, &capturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: query current: %w", err)
	}

	records, err := s.fellows(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ConnectionID: connectionID,
		Version:      version,
		CapturedAt:   time.UnixMilli(capturedAt),
		Records:      records,
	}, nil
}

func (s *Store) fellows(ctx context.Context, snapshotID int64) ([]roster.FellowRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT identity_key, display_name, profile_url, observed_at, extra_json
		 FROM snapshot_fellows WHERE snapshot_id = ? ORDER BY identity_key`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: query fellows: %w", err)
	}
	defer rows.Close()

	var records []roster.FellowRecord
	for rows.Next() {
		var (
			rec        roster.FellowRecord
			observedAt int64
			extraJSON  string
		)
		if err := rows.Scan(&rec.IdentityKey, &rec.DisplayName, &rec.ProfileURL,
			&observedAt, &extraJSON); err != nil {
			return nil, fmt.Errorf("snapshot: scan fellow: %w", err)
		}
		rec.ObservedAt = time.UnixMilli(observedAt)
		if extraJSON != "" && extraJSON != "{}" {
			json.Unmarshal([]byte(extraJSON), &rec.Extra)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Commit stores r as the new current snapshot for connectionID, assigning
// version expected+1. expected must be the version returned by the paired
// Current call (0 when Current returned nil). Returns *ConflictError when
// the stored version advanced in between. The optional entry is recorded
// in the change log within the same transaction, so a change set is never
// logged against a version that did not durably commit.
func (s *Store) Commit(ctx context.Context, connectionID string, r *roster.Roster, expected int64, entry *ChangeLogEntry) (*Snapshot, error) {
	now := time.Now().UnixMilli()
	version := expected + 1

	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var found int64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM snapshots WHERE connection_id = ? AND current = 1`,
			connectionID).Scan(&found)
		switch {
		case err == sql.ErrNoRows:
			found = 0
		case err != nil:
			return fmt.Errorf("snapshot: read current version: %w", err)
		}
		if found != expected {
			return &ConflictError{ConnectionID: connectionID, Expected: expected, Found: found}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE snapshots SET current = 0 WHERE connection_id = ? AND current = 1`,
			connectionID); err != nil {
			return fmt.Errorf("snapshot: demote current: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (connection_id, version, captured_at, record_count, current)
			 VALUES (?, ?, ?, ?, 1)`,
			connectionID, version, now, len(r.Records))
		if err != nil {
			return fmt.Errorf("snapshot: insert snapshot: %w", err)
		}
		snapshotID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("snapshot: last insert id: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO snapshot_fellows
			 (snapshot_id, identity_key, display_name, profile_url, observed_at, extra_json)
			 VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("snapshot: prepare fellows insert: %w", err)
		}
		defer stmt.Close()
		for _, rec := range r.Records {
			extraJSON := "{}"
			if len(rec.Extra) > 0 {
				if b, err := json.Marshal(rec.Extra); err == nil {
					extraJSON = string(b)
				}
			}
			if _, err := stmt.ExecContext(ctx,
				snapshotID, rec.IdentityKey, rec.DisplayName, rec.ProfileURL,
				rec.ObservedAt.UnixMilli(), extraJSON); err != nil {
				return fmt.Errorf("snapshot: insert fellow %s: %w", rec.IdentityKey, err)
			}
		}

		if entry != nil {
			published := 0
			if entry.Published {
				published = 1
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO change_log
				 (connection_id, to_version, from_version, run_id, added, removed, published, recorded_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				connectionID, version, expected, entry.RunID,
				entry.Added, entry.Removed, published, now); err != nil {
				return fmt.Errorf("snapshot: record change log: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		ConnectionID: connectionID,
		Version:      version,
		CapturedAt:   time.UnixMilli(now),
		Records:      r.Records,
	}, nil
}

const busyRetries = 3

// runTx executes fn inside a transaction with retry on SQLITE_BUSY,
// 100/200/300ms between attempts.
func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var lastErr error
	for i := 0; i < busyRetries; i++ {
		lastErr = s.runOnce(ctx, fn)
		if lastErr == nil || !isBusy(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("snapshot: cancelled during busy retry: %w", ctx.Err())
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
	return lastErr
}

func (s *Store) runOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot: commit tx: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
