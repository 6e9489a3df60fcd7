package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/models"
)

// MessageStore implements store.MessageStore on the messages table.
// Content keeps its tagged-union JSON encoding in a JSONB column.
type MessageStore struct {
	db *sql.DB
}

func (s *MessageStore) Insert(ctx context.Context, msg *models.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	meta, err := jsonMap(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	// DO NOTHING makes replays of an already-stored message id no-ops.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, run_id, owner_key, role, content, ts, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (message_id) DO NOTHING`,
		msg.ID, msg.RunID, msg.OwnerKey, string(msg.Role), content,
		msg.Timestamp.UTC(), meta)
	return err
}

func (s *MessageStore) RecentByOwner(ctx context.Context, ownerKey string, limit int) ([]models.Message, error) {
	q := `SELECT message_id, run_id, owner_key, role, content, ts, metadata
	      FROM messages WHERE owner_key = $1 ORDER BY ts DESC`
	args := []any{ownerKey}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var content, meta []byte
		if err := rows.Scan(&msg.ID, &msg.RunID, &msg.OwnerKey, &role, &content, &msg.Timestamp, &meta); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if err := json.Unmarshal(content, &msg.Content); err != nil {
			return nil, fmt.Errorf("decode content of %s: %w", msg.ID, err)
		}
		if msg.Metadata, err = parseMap(meta); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *MessageStore) CountSince(ctx context.Context, ownerKey string, role models.Role, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE owner_key = $1 AND role = $2 AND ts >= $3`,
		ownerKey, string(role), since.UTC()).Scan(&n)
	return n, err
}
