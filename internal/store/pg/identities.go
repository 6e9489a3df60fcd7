package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/nexus/internal/store"
)

// IdentityStore implements store.IdentityStore on the identities table.
// Maps live in JSONB columns.
type IdentityStore struct {
	db *sql.DB
}

func (s *IdentityStore) Get(ctx context.Context, key string) (*store.IdentityRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT public_key, created_at, metadata, config_overrides, prompt_overrides
		 FROM identities WHERE public_key = $1`, key)
	return scanIdentity(row)
}

func (s *IdentityStore) Create(ctx context.Context, rec *store.IdentityRecord) error {
	meta, err := jsonMap(rec.Metadata)
	if err != nil {
		return err
	}
	cfg, err := jsonMap(rec.ConfigOverrides)
	if err != nil {
		return err
	}
	prompts, err := jsonMap(rec.PromptOverrides)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (public_key, created_at, metadata, config_overrides, prompt_overrides)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (public_key) DO NOTHING`,
		rec.PublicKey, rec.CreatedAt.UTC(), meta, cfg, prompts)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrExists
	}
	return nil
}

func (s *IdentityStore) List(ctx context.Context) ([]*store.IdentityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT public_key, created_at, metadata, config_overrides, prompt_overrides
		 FROM identities ORDER BY public_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.IdentityRecord
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *IdentityStore) SetConfigOverrides(ctx context.Context, key string, overrides map[string]any) error {
	return s.setField(ctx, key, "config_overrides", overrides)
}

func (s *IdentityStore) SetPromptOverrides(ctx context.Context, key string, overrides map[string]any) error {
	return s.setField(ctx, key, "prompt_overrides", overrides)
}

func (s *IdentityStore) SetMetadata(ctx context.Context, key string, metadata map[string]any) error {
	return s.setField(ctx, key, "metadata", metadata)
}

func (s *IdentityStore) setField(ctx context.Context, key, column string, value map[string]any) error {
	encoded, err := jsonMap(value)
	if err != nil {
		return err
	}
	// Column names come from the three Set methods above, never callers.
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE identities SET %s = $1 WHERE public_key = $2`, column),
		encoded, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*store.IdentityRecord, error) {
	var rec store.IdentityRecord
	var meta, cfg, prompts []byte
	err := row.Scan(&rec.PublicKey, &rec.CreatedAt, &meta, &cfg, &prompts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if rec.Metadata, err = parseMap(meta); err != nil {
		return nil, err
	}
	if rec.ConfigOverrides, err = parseMap(cfg); err != nil {
		return nil, err
	}
	if rec.PromptOverrides, err = parseMap(prompts); err != nil {
		return nil, err
	}
	return &rec, nil
}

func jsonMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func parseMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
