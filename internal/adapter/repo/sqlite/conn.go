// Package sqlite implements the operational store on an embedded SQLite
// database. Every repository follows the same discipline: short-lived
// transactions, idempotent upserts, and outbox rows written in the same
// transaction as the data they announce.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the database at path and applies migrations.
// WAL mode keeps readers unblocked during worker commits; busy_timeout
// absorbs the single-writer lock under concurrent workers.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.open: %w", err)
	}
	// SQLite serialises writes; extra connections only add lock churn.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
