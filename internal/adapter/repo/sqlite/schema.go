package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    target_root TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS files (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    path TEXT NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, path)
);

CREATE TABLE IF NOT EXISTS pois (
    id TEXT PRIMARY KEY,
    file_id TEXT NOT NULL REFERENCES files(id),
    run_id TEXT NOT NULL REFERENCES runs(id),
    type TEXT NOT NULL,
    name TEXT NOT NULL,
    qualified_name TEXT NOT NULL,
    signature TEXT NOT NULL DEFAULT '',
    start_line INTEGER NOT NULL DEFAULT 0,
    end_line INTEGER NOT NULL DEFAULT 0,
    UNIQUE(run_id, qualified_name)
);
CREATE INDEX IF NOT EXISTS idx_pois_file ON pois(file_id);

CREATE TABLE IF NOT EXISTS evidence (
    rel_hash TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    source_qn TEXT NOT NULL,
    target_qn TEXT NOT NULL,
    type TEXT NOT NULL,
    expected_count INTEGER NOT NULL,
    collected_count INTEGER NOT NULL DEFAULT 0,
    sealed INTEGER NOT NULL DEFAULT 0,
    evidence_json TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS final_relationships (
    rel_hash TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    src_qn TEXT NOT NULL,
    tgt_qn TEXT NOT NULL,
    type TEXT NOT NULL,
    final_confidence REAL NOT NULL,
    state TEXT NOT NULL,
    committed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outbox (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    topic TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    published_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox(seq) WHERE published_at IS NULL;

CREATE TABLE IF NOT EXISTS dead_letters (
    id TEXT PRIMARY KEY,
    orig_job_id TEXT NOT NULL,
    queue TEXT NOT NULL DEFAULT '',
    failed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    error_msg TEXT NOT NULL DEFAULT '',
    error_ctx TEXT NOT NULL DEFAULT '',
    payload_json TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'dead'
);

CREATE TABLE IF NOT EXISTS failed_pois (
    id TEXT PRIMARY KEY,
    orig_job_id TEXT NOT NULL,
    failed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    error_msg TEXT NOT NULL DEFAULT '',
    error_ctx TEXT NOT NULL DEFAULT '',
    poi_json TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'dead'
);

CREATE TABLE IF NOT EXISTS directory_summaries (
    run_id TEXT NOT NULL,
    dir_path TEXT NOT NULL,
    summary_text TEXT NOT NULL DEFAULT '',
    poi_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, dir_path)
);
`

// Migrate applies the schema. Statements are idempotent so re-running on
// an existing database is a no-op.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("op=sqlite.migrate: %w", err)
	}
	return nil
}
