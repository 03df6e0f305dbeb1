// Package store provides the sqlite persistence layer for delfid:
// peer-cached answers, board posts, first-contact tracking, sync
// checkpoints, and the embedded vector index for knowledge retrieval.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite database shared by all persistent subsystems.
// One Store is opened per daemon and passed to the components that
// need it.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// Open opens (or creates) the database at path and runs migrations.
// Parent directories are created as needed. Use ":memory:" in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent component access.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
		now:    time.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	s.logger.Debug("database ready", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS peer_cache (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_id   TEXT NOT NULL,
			peer_name TEXT NOT NULL,
			query     TEXT NOT NULL,
			response  TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			ttl       INTEGER NOT NULL DEFAULT 604800
		)`,
		`CREATE INDEX IF NOT EXISTS idx_peer_cache_query ON peer_cache(query)`,
		`CREATE INDEX IF NOT EXISTS idx_peer_cache_peer ON peer_cache(peer_id)`,

		`CREATE TABLE IF NOT EXISTS board_posts (
			id         TEXT PRIMARY KEY,
			author_id  TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS seen_senders (
			sender_id  TEXT PRIMARY KEY,
			first_seen TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sync_points (
			peer_id      TEXT PRIMARY KEY,
			last_sync_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS memory_turns (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id  TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_turns_sender ON memory_turns(sender_id)`,

		`CREATE TABLE IF NOT EXISTS doc_chunks (
			id        TEXT PRIMARY KEY,
			file      TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			chunk_idx INTEGER NOT NULL,
			content   TEXT NOT NULL,
			embedding BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_doc_chunks_file ON doc_chunks(file)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// formatTime renders timestamps the way every table stores them.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
