package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nextlevelbuilder/nexus/internal/store"
)

// ConfigStore implements store.ConfigStore on the config collection,
// one document per environment.
type ConfigStore struct {
	coll *mongodriver.Collection
}

type configDocument struct {
	Environment string         `bson:"environment"`
	Data        map[string]any `bson:"data"`
	UpdatedAt   time.Time      `bson:"updated_at"`
}

func (s *ConfigStore) Get(ctx context.Context, environment string) (map[string]any, error) {
	var doc configDocument
	err := s.coll.FindOne(ctx, bson.M{"environment": environment}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	out, _ := normalize(doc.Data).(map[string]any)
	return out, nil
}

func (s *ConfigStore) Put(ctx context.Context, environment string, doc map[string]any) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"environment": environment},
		bson.M{
			"$set": bson.M{
				"data":       doc,
				"updated_at": time.Now().UTC(),
			},
			"$setOnInsert": bson.M{
				"environment": environment,
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

var _ store.ConfigStore = (*ConfigStore)(nil)
