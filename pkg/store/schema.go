package store

import (
	"database/sql"
	"fmt"
)

// embeddedSchema is applied idempotently against the local embedded store
// at process start. It is intentionally small and hand-written rather than
// driven by a migration runner: unlike the remote-SQL replay backend
// (cmd/migrator), the embedded store has no cross-process schema history
// to track.
const embeddedSchema = `
CREATE TABLE IF NOT EXISTS approval_records (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	required_approvals INTEGER NOT NULL,
	required_roles TEXT NOT NULL,
	approval_actors TEXT NOT NULL,
	approval_actor_roles TEXT NOT NULL,
	max_uses INTEGER NOT NULL,
	use_count INTEGER NOT NULL,
	last_used_at TIMESTAMP,
	request_fingerprint TEXT NOT NULL,
	reason TEXT NOT NULL,
	metadata TEXT NOT NULL,
	resolved_by TEXT,
	resolved_at TIMESTAMP,
	initiator_actor TEXT,
	enforce_sod INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_approval_fingerprint ON approval_records(request_fingerprint);
CREATE INDEX IF NOT EXISTS idx_approval_created_at ON approval_records(created_at, id);

CREATE TABLE IF NOT EXISTS budget_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	suspended INTEGER NOT NULL DEFAULT 0,
	reason TEXT,
	triggered_at TIMESTAMP,
	resumed_at TIMESTAMP,
	resumed_by TEXT,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TIMESTAMP NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	usd_cost REAL NOT NULL,
	request_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_events_ts ON cost_events(ts);

CREATE TABLE IF NOT EXISTS replay_entries (
	hash TEXT NOT NULL,
	namespace TEXT NOT NULL,
	seen_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	PRIMARY KEY (namespace, hash)
);
CREATE INDEX IF NOT EXISTS idx_replay_expires ON replay_entries(expires_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TIMESTAMP NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at, id);
`

// ApplyEmbeddedSchema creates every table the embedded store needs if it
// does not already exist.
func ApplyEmbeddedSchema(db *sql.DB) error {
	if _, err := db.Exec(embeddedSchema); err != nil {
		return fmt.Errorf("apply embedded schema: %w", err)
	}
	return nil
}
