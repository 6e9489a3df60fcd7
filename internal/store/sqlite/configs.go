package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/store"
)

// ConfigStore implements store.ConfigStore on the config table.
type ConfigStore struct {
	db *sql.DB
}

func (s *ConfigStore) Get(ctx context.Context, environment string) (map[string]any, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM config WHERE environment = ?`, environment).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return decodeMap(data)
}

func (s *ConfigStore) Put(ctx context.Context, environment string, doc map[string]any) error {
	data, err := encodeMap(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config (environment, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(environment) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		environment, data, formatTime(time.Now()))
	return err
}
