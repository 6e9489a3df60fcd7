// Package pg implements the storage backend on PostgreSQL through the
// pgx stdlib driver. Schema is managed by the migrate command; this
// package assumes the tables exist.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/nexus/internal/store"
)

// Open connects to Postgres and returns the full store set.
func Open(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
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

// OpenDB opens a pooled connection. Shared with the migrate and doctor
// commands.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
