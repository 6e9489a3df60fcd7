package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nextlevelbuilder/nexus/internal/store"
)

// IdentityStore implements store.IdentityStore on the identities table.
// Override and metadata maps are stored as JSON text.
type IdentityStore struct {
	db *sql.DB
}

func (s *IdentityStore) Get(ctx context.Context, key string) (*store.IdentityRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT public_key, created_at, metadata, config_overrides, prompt_overrides
		 FROM identities WHERE public_key = ?`, key)
	return scanIdentity(row)
}

func (s *IdentityStore) Create(ctx context.Context, rec *store.IdentityRecord) error {
	meta, err := encodeMap(rec.Metadata)
	if err != nil {
		return err
	}
	cfg, err := encodeMap(rec.ConfigOverrides)
	if err != nil {
		return err
	}
	prompts, err := encodeMap(rec.PromptOverrides)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identities (public_key, created_at, metadata, config_overrides, prompt_overrides)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.PublicKey, formatTime(rec.CreatedAt), meta, cfg, prompts)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return store.ErrExists
	}
	return err
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
	encoded, err := encodeMap(value)
	if err != nil {
		return err
	}
	// Column names come from the three Set methods above, never callers.
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET `+column+` = ? WHERE public_key = ?`, encoded, key)
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
	var createdAt, meta, cfg, prompts string
	err := row.Scan(&rec.PublicKey, &createdAt, &meta, &cfg, &prompts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.CreatedAt = parseTime(createdAt)
	if rec.Metadata, err = decodeMap(meta); err != nil {
		return nil, err
	}
	if rec.ConfigOverrides, err = decodeMap(cfg); err != nil {
		return nil, err
	}
	if rec.PromptOverrides, err = decodeMap(prompts); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
