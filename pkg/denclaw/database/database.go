// Package database opens the central denclaw.db SQLite database and applies
// the schema. Group registry and scheduled tasks share this single file.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schema holds the table definitions. Migrations are additive: statements
// use IF NOT EXISTS so reopening an existing database is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS groups (
	folder        TEXT PRIMARY KEY,
	channel       TEXT NOT NULL DEFAULT '',
	chat_id       TEXT NOT NULL,
	is_main       INTEGER NOT NULL DEFAULT 0,
	registered_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	group_folder   TEXT NOT NULL,
	chat_id        TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	schedule_type  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode   TEXT NOT NULL DEFAULT 'group',
	next_run       TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_folder);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(status, next_run);
`

// Open opens (creating if needed) the database at path and applies the
// schema. The returned handle is safe for concurrent use.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return db, nil
}
