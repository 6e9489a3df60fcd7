package pg

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
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM config WHERE environment = $1`, environment).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return parseMap(data)
}

func (s *ConfigStore) Put(ctx context.Context, environment string, doc map[string]any) error {
	data, err := jsonMap(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config (environment, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (environment) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		environment, data, time.Now().UTC())
	return err
}
