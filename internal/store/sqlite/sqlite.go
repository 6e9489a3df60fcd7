// Package sqlite implements the storage backend on SQLite via the pure
// Go modernc driver. The default backend: no external database needed.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/nexus/internal/store"
)

// timeLayout is fixed-width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	public_key       TEXT PRIMARY KEY,
	created_at       TEXT NOT NULL,
	metadata         TEXT NOT NULL DEFAULT '{}',
	config_overrides TEXT NOT NULL DEFAULT '{}',
	prompt_overrides TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL DEFAULT '',
	owner_key  TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_messages_owner_time ON messages(owner_key, timestamp DESC);

CREATE TABLE IF NOT EXISTS config (
	environment TEXT PRIMARY KEY,
	data        TEXT NOT NULL DEFAULT '{}',
	updated_at  TEXT NOT NULL
);
`

// Open creates or opens the database at path and returns the store set.
func Open(path string) (*store.Stores, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL allows concurrent readers while a handler writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	stores := &store.Stores{
		Identities: &IdentityStore{db: db},
		Messages:   &MessageStore{db: db},
		Configs:    &ConfigStore{db: db},
	}
	stores.OnPing(db.PingContext)
	stores.OnClose(func(context.Context) error { return db.Close() })
	return stores, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
