// Package memory implements the persistence layers for agent context:
// an append-only event log, task states with optimistic concurrency,
// a user profile, and a semantic store with hybrid FTS + vector search.
// Everything lives in one embedded SQLite database.
package memory

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// DefaultDimension is the embedding dimensionality when none is
// configured (OpenAI text-embedding-3-small).
const DefaultDimension = 1536

// Config configures the store.
type Config struct {
	// Path to the database file, or ":memory:".
	Path string

	// Dimension of stored embeddings. Default: 1536.
	Dimension int
}

// Store is the shared handle over all memory tables. Safe for
// concurrent use; SQLite serializes writes internally.
type Store struct {
	db        *sql.DB
	dimension int

	// vecAvailable reports whether the vec0 extension loaded. When it
	// did not, vector search scans embeddings in memory.
	vecAvailable bool
}

// Open opens (creating if needed) the database and runs migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory databases vanish per connection; keep exactly one.
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dimension: cfg.Dimension}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dimension returns the configured embedding dimensionality.
func (s *Store) Dimension() int {
	return s.dimension
}

// VectorIndexAvailable reports whether the vec0 virtual table loaded.
func (s *Store) VectorIndexAvailable() bool {
	return s.vecAvailable
}

// Compact reclaims space from deleted rows.
func (s *Store) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) migrate() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("set pragma: %w", err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			session_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			intent TEXT,
			entities TEXT,
			summary TEXT,
			payload TEXT,
			parent_id TEXT,
			tags TEXT
		)`,
		"CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)",
		"CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id)",

		`CREATE TABLE IF NOT EXISTS task_states (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			constraints TEXT,
			plan TEXT,
			done TEXT,
			blocked TEXT,
			next_action TEXT,
			version INTEGER NOT NULL,
			session_id TEXT,
			is_current INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_tasks_session ON task_states(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_current ON task_states(is_current)",

		`CREATE TABLE IF NOT EXISTS task_snapshots (
			task_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (task_id, version)
		)`,

		`CREATE TABLE IF NOT EXISTS processed_actions (
			action_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			processed_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS profiles (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 1.0,
			explicit INTEGER NOT NULL DEFAULT 0,
			source_event_id TEXT,
			expires_at DATETIME,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			short TEXT NOT NULL,
			bullets TEXT,
			decisions TEXT,
			todos TEXT,
			covered_event_ids TEXT,
			created_at DATETIME NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id, created_at)",

		`CREATE TABLE IF NOT EXISTS semantic_chunks (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			tags TEXT,
			session_id TEXT,
			source_event_id TEXT,
			source_type TEXT,
			embedding BLOB,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_chunks_session ON semantic_chunks(session_id)",

		`CREATE VIRTUAL TABLE IF NOT EXISTS semantic_chunks_fts USING fts5(
			text,
			content='semantic_chunks',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS semantic_chunks_ai AFTER INSERT ON semantic_chunks BEGIN
			INSERT INTO semantic_chunks_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS semantic_chunks_ad AFTER DELETE ON semantic_chunks BEGIN
			INSERT INTO semantic_chunks_fts(semantic_chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS semantic_chunks_au AFTER UPDATE ON semantic_chunks BEGIN
			INSERT INTO semantic_chunks_fts(semantic_chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
			INSERT INTO semantic_chunks_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			state BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Probe for the vec0 extension. The pure-Go driver ships without
	// it, in which case vector search falls back to an in-memory scan.
	vecStmt := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS semantic_chunks_vec USING vec0(embedding float[%d])",
		s.dimension,
	)
	if _, err := s.db.Exec(vecStmt); err == nil {
		s.vecAvailable = true
	}

	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
