package observability

import (
	"database/sql"
	"fmt"
)

// Schema is the run ledger DDL. Init applies it; it is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS ingest_runs (
    run_id         TEXT PRIMARY KEY,
    kind           TEXT NOT NULL DEFAULT 'analytics',
    site_url       TEXT NOT NULL DEFAULT '',
    range_start    TEXT NOT NULL DEFAULT '',
    range_end      TEXT NOT NULL DEFAULT '',
    debug          INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'running',
    fetched        INTEGER NOT NULL DEFAULT 0,
    new_rows       INTEGER NOT NULL DEFAULT 0,
    inserted       INTEGER NOT NULL DEFAULT 0,
    failed_batches INTEGER NOT NULL DEFAULT 0,
    error          TEXT NOT NULL DEFAULT '',
    started_at     INTEGER NOT NULL,
    finished_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at DESC);

CREATE TABLE IF NOT EXISTS ingest_batches (
    run_id      TEXT NOT NULL REFERENCES ingest_runs(run_id),
    batch       TEXT NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    pages       INTEGER NOT NULL DEFAULT 0,
    fetched     INTEGER NOT NULL DEFAULT 0,
    new_rows    INTEGER NOT NULL DEFAULT 0,
    inserted    INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    PRIMARY KEY (run_id, batch)
);

-- One row per batch name ever run. key_fields never changes for a name.
CREATE TABLE IF NOT EXISTS batch_registry (
    batch       TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    key_fields  TEXT NOT NULL,
    first_seen  INTEGER NOT NULL
);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: init schema: %w", err)
	}
	return nil
}
