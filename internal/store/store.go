// Package store persists the pipeline's durable state in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. The mutex serialises writers; the modernc
// driver is safe for concurrent use but single-writer keeps transactions
// simple.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and bootstraps the schema.
// Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite requires a single connection for shared in-memory DBs
	// and for predictable foreign-key enforcement.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		organization TEXT NOT NULL,
		name TEXT NOT NULL,
		branch TEXT NOT NULL,
		address TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		classification TEXT NOT NULL DEFAULT '',
		directory_tree TEXT NOT NULL DEFAULT '',
		recommended INTEGER NOT NULL DEFAULT 0,
		views INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_repo_triple
		ON repositories(organization, name, branch) WHERE status != 'FAILED';
	CREATE INDEX IF NOT EXISTS idx_repo_status ON repositories(status);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL UNIQUE REFERENCES repositories(id) ON DELETE CASCADE,
		overview TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		minimap TEXT NOT NULL DEFAULT '',
		total_nodes INTEGER NOT NULL DEFAULT 0,
		completed_nodes INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS catalog_nodes (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		parent_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		slug TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		order_index INTEGER NOT NULL DEFAULT 0,
		dependent_files TEXT NOT NULL DEFAULT '[]',
		is_completed INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(repository_id, slug)
	);
	CREATE INDEX IF NOT EXISTS idx_catalog_repo ON catalog_nodes(repository_id);

	CREATE TABLE IF NOT EXISTS file_items (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		catalog_node_id TEXT NOT NULL UNIQUE REFERENCES catalog_nodes(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		request_tokens INTEGER NOT NULL DEFAULT 0,
		response_tokens INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS file_item_sources (
		id TEXT PRIMARY KEY,
		file_item_id TEXT NOT NULL REFERENCES file_items(id) ON DELETE CASCADE,
		file_path TEXT NOT NULL,
		line_start INTEGER NOT NULL DEFAULT 0,
		line_end INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sources_item ON file_item_sources(file_item_id);
	CREATE INDEX IF NOT EXISTS idx_sources_path ON file_item_sources(file_path);

	CREATE TABLE IF NOT EXISTS commit_records (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		hash TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commits_repo ON commit_records(repository_id);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repository_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		payload BLOB,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_repo ON events(repository_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
