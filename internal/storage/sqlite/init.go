package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	link             TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	request_id       TEXT,
	name             TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	destination      TEXT NOT NULL DEFAULT '',
	total_bytes      INTEGER,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	resume_validator TEXT NOT NULL DEFAULT '',
	progress         REAL NOT NULL DEFAULT 0,
	state            TEXT NOT NULL DEFAULT 'init',
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

CREATE TABLE IF NOT EXISTS session_snapshots (
	link       TEXT PRIMARY KEY REFERENCES tasks(link) ON DELETE CASCADE,
	blob       BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS file_manifest (
	link          TEXT NOT NULL REFERENCES tasks(link) ON DELETE CASCADE,
	relative_path TEXT NOT NULL,
	size          INTEGER NOT NULL,
	selected      INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (link, relative_path)
);

CREATE TABLE IF NOT EXISTS request_correlations (
	request_id TEXT PRIMARY KEY,
	link       TEXT NOT NULL REFERENCES tasks(link) ON DELETE CASCADE,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_request_correlations_link ON request_correlations(link);
`

// InitDB opens the SQLite database at path and creates the registry tables if
// they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
