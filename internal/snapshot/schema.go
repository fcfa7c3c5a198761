package snapshot

import "database/sql"

// schema creates the snapshot tables. Exactly one row per connection has
// current=1, enforced by the partial unique index. The change_log primary
// key (connection_id, to_version) is the idempotent replay key: a change
// set can be recorded against a given sink state at most once.
const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id TEXT    NOT NULL,
	version       INTEGER NOT NULL,
	captured_at   INTEGER NOT NULL,
	record_count  INTEGER NOT NULL,
	current       INTEGER NOT NULL DEFAULT 0,
	UNIQUE (connection_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_current
	ON snapshots (connection_id) WHERE current = 1;

CREATE TABLE IF NOT EXISTS snapshot_fellows (
	snapshot_id  INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	identity_key TEXT    NOT NULL,
	display_name TEXT    NOT NULL,
	profile_url  TEXT    NOT NULL,
	observed_at  INTEGER NOT NULL,
	extra_json   TEXT    NOT NULL DEFAULT '{}',
	PRIMARY KEY (snapshot_id, identity_key)
);

CREATE TABLE IF NOT EXISTS change_log (
	connection_id TEXT    NOT NULL,
	to_version    INTEGER NOT NULL,
	from_version  INTEGER NOT NULL,
	run_id        TEXT    NOT NULL,
	added         INTEGER NOT NULL,
	removed       INTEGER NOT NULL,
	published     INTEGER NOT NULL,
	recorded_at   INTEGER NOT NULL,
	PRIMARY KEY (connection_id, to_version)
);
`

// ApplySchema creates all tables and indexes if missing.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
