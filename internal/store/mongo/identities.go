package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/nextlevelbuilder/nexus/internal/store"
)

// IdentityStore implements store.IdentityStore on the identities collection.
type IdentityStore struct {
	coll *mongodriver.Collection
}

type identityDocument struct {
	PublicKey       string         `bson:"public_key"`
	CreatedAt       time.Time      `bson:"created_at"`
	Metadata        map[string]any `bson:"metadata,omitempty"`
	ConfigOverrides map[string]any `bson:"config_overrides,omitempty"`
	PromptOverrides map[string]any `bson:"prompt_overrides,omitempty"`
}

func (s *IdentityStore) Get(ctx context.Context, key string) (*store.IdentityRecord, error) {
	var doc identityDocument
	err := s.coll.FindOne(ctx, bson.M{"public_key": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toRecord(), nil
}

func (s *IdentityStore) Create(ctx context.Context, rec *store.IdentityRecord) error {
	_, err := s.coll.InsertOne(ctx, fromRecord(rec))
	if mongodriver.IsDuplicateKeyError(err) {
		return store.ErrExists
	}
	return err
}

func (s *IdentityStore) List(ctx context.Context) ([]*store.IdentityRecord, error) {
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []*store.IdentityRecord
	for cur.Next(ctx) {
		var doc identityDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRecord())
	}
	return out, cur.Err()
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

// setField replaces one top-level field in a single write.
func (s *IdentityStore) setField(ctx context.Context, key, field string, value map[string]any) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"public_key": key},
		bson.M{"$set": bson.M{field: value}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func fromRecord(rec *store.IdentityRecord) identityDocument {
	return identityDocument{
		PublicKey:       rec.PublicKey,
		CreatedAt:       rec.CreatedAt.UTC(),
		Metadata:        rec.Metadata,
		ConfigOverrides: rec.ConfigOverrides,
		PromptOverrides: rec.PromptOverrides,
	}
}

func (doc identityDocument) toRecord() *store.IdentityRecord {
	meta, _ := normalize(doc.Metadata).(map[string]any)
	cfg, _ := normalize(doc.ConfigOverrides).(map[string]any)
	prompts, _ := normalize(doc.PromptOverrides).(map[string]any)
	return &store.IdentityRecord{
		PublicKey:       doc.PublicKey,
		CreatedAt:       doc.CreatedAt,
		Metadata:        meta,
		ConfigOverrides: cfg,
		PromptOverrides: prompts,
	}
}
