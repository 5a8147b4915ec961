// Package db wraps the embedded SQLite state database holding users,
// auth sessions, novels and pipeline jobs.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB is a handle to the state database. Safe for concurrent use; SQLite
// serialises writers internally and busy_timeout covers contention.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite performs best with a single writer connection.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{sql: sqlDB}
	if err := d.initSchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Handle exposes the raw *sql.DB for the store types in this package.
func (d *DB) Handle() *sql.DB {
	return d.sql
}

// UTCNow formats the current instant the way every timestamp column
// stores it.
func UTCNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	  id TEXT PRIMARY KEY,
	  username TEXT NOT NULL UNIQUE,
	  password_hash TEXT NOT NULL,
	  created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS auth_sessions (
	  id TEXT PRIMARY KEY,
	  token_hash TEXT NOT NULL UNIQUE,
	  user_id TEXT,
	  guest_id TEXT,
	  created_at TEXT NOT NULL,
	  expires_at TEXT NOT NULL,
	  revoked_at TEXT,
	  last_seen_at TEXT,
	  FOREIGN KEY(user_id) REFERENCES users(id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_auth_sessions_user_id ON auth_sessions(user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_auth_sessions_guest_id ON auth_sessions(guest_id);`,
	`CREATE TABLE IF NOT EXISTS novels (
	  id TEXT PRIMARY KEY,
	  owner_user_id TEXT NOT NULL,
	  title TEXT NOT NULL DEFAULT '',
	  visibility TEXT NOT NULL DEFAULT 'private',
	  status TEXT NOT NULL DEFAULT 'created',
	  created_at TEXT NOT NULL,
	  updated_at TEXT NOT NULL,
	  source_meta TEXT NOT NULL DEFAULT '{}',
	  stats TEXT NOT NULL DEFAULT '{}',
	  last_job_id TEXT NOT NULL DEFAULT '',
	  last_error TEXT NOT NULL DEFAULT '',
	  FOREIGN KEY(owner_user_id) REFERENCES users(id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_novels_owner_user_id ON novels(owner_user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_novels_visibility ON novels(visibility);`,
	`CREATE TABLE IF NOT EXISTS pipeline_jobs (
	  id TEXT PRIMARY KEY,
	  novel_id TEXT NOT NULL,
	  owner_user_id TEXT NOT NULL,
	  spec TEXT NOT NULL DEFAULT '{}',
	  status TEXT NOT NULL DEFAULT 'queued',
	  current_step INTEGER,
	  progress REAL NOT NULL DEFAULT 0.0,
	  started_at TEXT NOT NULL DEFAULT '',
	  finished_at TEXT NOT NULL DEFAULT '',
	  created_at TEXT NOT NULL,
	  log_path TEXT NOT NULL DEFAULT '',
	  error TEXT NOT NULL DEFAULT '',
	  result TEXT NOT NULL DEFAULT '{}',
	  FOREIGN KEY(novel_id) REFERENCES novels(id),
	  FOREIGN KEY(owner_user_id) REFERENCES users(id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_owner_user_id ON pipeline_jobs(owner_user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_novel_id ON pipeline_jobs(novel_id);`,
}

func (d *DB) initSchema() error {
	for _, stmt := range schema {
		if _, err := d.sql.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
