package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/models"
)

// MessageStore implements store.MessageStore on the messages table.
// Content keeps its tagged-union JSON encoding in a text column.
type MessageStore struct {
	db *sql.DB
}

func (s *MessageStore) Insert(ctx context.Context, msg *models.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	meta, err := encodeMap(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	// OR IGNORE makes replays of an already-stored message id no-ops.
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (message_id, run_id, owner_key, role, content, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RunID, msg.OwnerKey, string(msg.Role), string(content),
		formatTime(msg.Timestamp), meta)
	return err
}

func (s *MessageStore) RecentByOwner(ctx context.Context, ownerKey string, limit int) ([]models.Message, error) {
	q := `SELECT message_id, run_id, owner_key, role, content, timestamp, metadata
	      FROM messages WHERE owner_key = ? ORDER BY timestamp DESC`
	args := []any{ownerKey}
	if limit > 0 {
		q += ` LIMIT ?`
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
		var role, content, timestamp, meta string
		if err := rows.Scan(&msg.ID, &msg.RunID, &msg.OwnerKey, &role, &content, &timestamp, &meta); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode content of %s: %w", msg.ID, err)
		}
		msg.Timestamp = parseTime(timestamp)
		if msg.Metadata, err = decodeMap(meta); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *MessageStore) CountSince(ctx context.Context, ownerKey string, role models.Role, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE owner_key = ? AND role = ? AND timestamp >= ?`,
		ownerKey, string(role), formatTime(since)).Scan(&n)
	return n, err
}
