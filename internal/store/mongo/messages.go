package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/internal/store"
)

// MessageStore implements store.MessageStore on the messages collection.
type MessageStore struct {
	coll *mongodriver.Collection
}

type messageDocument struct {
	MessageID string         `bson:"message_id"`
	RunID     string         `bson:"run_id,omitempty"`
	OwnerKey  string         `bson:"owner_key"`
	Role      string         `bson:"role"`
	Content   map[string]any `bson:"content"`
	Timestamp time.Time      `bson:"timestamp"`
	Metadata  map[string]any `bson:"metadata,omitempty"`
}

func (s *MessageStore) Insert(ctx context.Context, msg *models.Message) error {
	content, err := contentToDoc(msg.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	_, err = s.coll.InsertOne(ctx, messageDocument{
		MessageID: msg.ID,
		RunID:     msg.RunID,
		OwnerKey:  msg.OwnerKey,
		Role:      string(msg.Role),
		Content:   content,
		Timestamp: msg.Timestamp.UTC(),
		Metadata:  msg.Metadata,
	})
	// Replays of an already-stored message id are absorbed.
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *MessageStore) RecentByOwner(ctx context.Context, ownerKey string, limit int) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"owner_key": ownerKey}, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []models.Message
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		msg, err := doc.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, cur.Err()
}

func (s *MessageStore) CountSince(ctx context.Context, ownerKey string, role models.Role, since time.Time) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{
		"owner_key": ownerKey,
		"role":      string(role),
		"timestamp": bson.M{"$gte": since.UTC()},
	})
	return int(n), err
}

var _ store.MessageStore = (*MessageStore)(nil)

func (doc messageDocument) toMessage() (models.Message, error) {
	content, err := docToContent(doc.Content)
	if err != nil {
		return models.Message{}, fmt.Errorf("decode content of %s: %w", doc.MessageID, err)
	}
	meta, _ := normalize(doc.Metadata).(map[string]any)
	return models.Message{
		ID:        doc.MessageID,
		RunID:     doc.RunID,
		OwnerKey:  doc.OwnerKey,
		Role:      models.Role(doc.Role),
		Content:   content,
		Timestamp: doc.Timestamp,
		Metadata:  meta,
	}, nil
}

// contentToDoc converts the content union into a plain document so it
// stays structured (and queryable) inside MongoDB.
func contentToDoc(content models.Content) (map[string]any, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func docToContent(doc map[string]any) (models.Content, error) {
	data, err := json.Marshal(normalize(doc))
	if err != nil {
		return models.Content{}, err
	}
	var content models.Content
	if err := json.Unmarshal(data, &content); err != nil {
		return models.Content{}, err
	}
	return content, nil
}

// normalize rewrites driver primitive types into plain maps, slices and
// scalars so decoded values survive a JSON round trip.
func normalize(v any) any {
	switch t := v.(type) {
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = normalize(vv)
		}
		return m
	case primitive.A:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = normalize(vv)
		}
		return s
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = normalize(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = normalize(vv)
		}
		return s
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	case primitive.ObjectID:
		return t.Hex()
	case int32:
		return int64(t)
	default:
		return v
	}
}
