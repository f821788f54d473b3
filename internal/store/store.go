// Package store provides the on-device durable store backing offline work.
//
// This is the single source of truth for what the device still owes the
// server. It holds cached read snapshots per entity type, the ordered
// outbound mutation queue, the attachment spool index, and sync metadata.
//
// The store runs on embedded SQLite with WAL mode for concurrent reads
// during writes. Every multi-row update within one logical operation runs
// in a transaction, so a process crash never leaves the queue half-written.
//
// Workflow:
//  1. UI code schedules writes through the mutation queue API
//  2. The sync engine replays the queue against the server batch endpoint
//  3. Pulled snapshots overwrite cached records wholesale
//  4. The status surface reads pending/stalled counts from here
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with the offline-sync schema.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created along with the schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".fieldsync/offline.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	// WAL lets the UI keep reading snapshots while a sync cycle writes.
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := st.initSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// Close closes the store, checkpointing the WAL so all changes land in the
// main database file before the process exits.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

// Path returns the on-disk location of the database file.
func (s *Store) Path() string {
	return s.path
}

// initSchema creates the schema if it doesn't exist. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	-- Cached read snapshots, overwritten wholesale on pull.
	CREATE TABLE IF NOT EXISTS snapshots (
		entity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, id)
	);

	-- Outbound mutation queue. seq preserves FIFO replay order.
	CREATE TABLE IF NOT EXISTS mutation_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		body TEXT,
		created_at TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	-- Binary captures awaiting multipart upload.
	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		work_order_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT,
		file_path TEXT NOT NULL UNIQUE,
		file_name TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Singleton sync metadata (last sync time, pull cursor).
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_type ON snapshots(entity_type);
	CREATE INDEX IF NOT EXISTS idx_queue_retries ON mutation_queue(retries);
	CREATE INDEX IF NOT EXISTS idx_attachments_synced ON attachments(synced);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
