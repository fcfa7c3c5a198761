package snapshot

import (
	"context"
	"fmt"
	"time"
)

// ChangeLogRow is one archived change set summary.
type ChangeLogRow struct {
	ConnectionID string
	ToVersion    int64
	FromVersion  int64
	RunID        string
	Added        int
	Removed      int
	Published    bool
	RecordedAt   time.Time
}

// ChangeLog returns the archived change set summaries for a connection,
// newest first.
func (s *Store) ChangeLog(ctx context.Context, connectionID string) ([]ChangeLogRow, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT connection_id, to_version, from_version, run_id, added, removed, published, recorded_at
		 FROM change_log WHERE connection_id = ? ORDER BY to_version DESC`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: query change log: %w", err)
	}
	defer rows.Close()

	var out []ChangeLogRow
	for rows.Next() {
		var (
			row        ChangeLogRow
			published  int
			recordedAt int64
		)
		if err := rows.Scan(&row.ConnectionID, &row.ToVersion, &row.FromVersion,
			&row.RunID, &row.Added, &row.Removed, &published, &recordedAt); err != nil {
			return nil, fmt.Errorf("snapshot: scan change log: %w", err)
		}
		row.Published = published != 0
		row.RecordedAt = time.UnixMilli(recordedAt)
		out = append(out, row)
	}
	return out, rows.Err()
}
