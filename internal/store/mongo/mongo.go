// Package mongo implements the document-store backend on MongoDB.
// Collections: identities (public_key unique), messages (owner_key +
// timestamp desc), config (environment unique).
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nextlevelbuilder/nexus/internal/store"
)

const (
	identitiesCollection = "identities"
	messagesCollection   = "messages"
	configCollection     = "config"

	connectTimeout = 10 * time.Second
)

// Open connects to MongoDB and returns the full store set. The returned
// Stores closes the client on Close.
func Open(ctx context.Context, uri, database string) (*store.Stores, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongodriver.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	if err := ensureIndexes(connectCtx, db); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}

	stores := &store.Stores{
		Identities: &IdentityStore{coll: db.Collection(identitiesCollection)},
		Messages:   &MessageStore{coll: db.Collection(messagesCollection)},
		Configs:    &ConfigStore{coll: db.Collection(configCollection)},
	}
	stores.OnPing(func(ctx context.Context) error { return client.Ping(ctx, nil) })
	stores.OnClose(client.Disconnect)
	return stores, nil
}

func ensureIndexes(ctx context.Context, db *mongodriver.Database) error {
	identityIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "public_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := db.Collection(identitiesCollection).Indexes().CreateOne(ctx, identityIndex); err != nil {
		return err
	}
	messageIndexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "owner_key", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
	}
	if _, err := db.Collection(messagesCollection).Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return err
	}
	configIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "environment", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := db.Collection(configCollection).Indexes().CreateOne(ctx, configIndex)
	return err
}
