// Package sink defines tabular output backends for published change rows.
package sink

import "context"

// Row is one tabular output row. Rows map 1:1 to change records, in
// change set order.
type Row struct {
	IdentityKey string `json:"identity_key"`
	DisplayName string `json:"display_name"`
	ProfileURL  string `json:"profile_url"`
	ChangeKind  string `json:"change_kind"`
	Timestamp   string `json:"timestamp"`
}

// RowSink is the output interface. Implementations deliver rows to
// different backends (stdout, CSV file, webhook). A WriteRows call either
// accepts the whole batch or reports an error; retry policy belongs to
// the publisher, not the sink.
type RowSink interface {
	WriteRows(ctx context.Context, connectionID string, rows []Row) error
	Close() error
}
