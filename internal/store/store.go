// Package store defines the persistence contracts: member identities,
// the conversational audit trail, and per-environment configuration
// documents. Backends live in the mongo, sqlite, pg and memory
// subpackages; selection happens at startup from config.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
)

// IdentityRecord is one member document, keyed by public key.
// Overrides start empty and are authored through the REST surface.
type IdentityRecord struct {
	PublicKey       string         `json:"public_key"`
	CreatedAt       time.Time      `json:"created_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ConfigOverrides map[string]any `json:"config_overrides,omitempty"`
	PromptOverrides map[string]any `json:"prompt_overrides,omitempty"`
}

// IdentityStore persists member records.
type IdentityStore interface {
	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*IdentityRecord, error)
	// Create inserts a new record; ErrExists when the key is taken.
	Create(ctx context.Context, rec *IdentityRecord) error
	// List returns every member record.
	List(ctx context.Context) ([]*IdentityRecord, error)
	// SetConfigOverrides replaces the config_overrides field in one write.
	SetConfigOverrides(ctx context.Context, key string, overrides map[string]any) error
	// SetPromptOverrides replaces the prompt_overrides field in one write.
	SetPromptOverrides(ctx context.Context, key string, overrides map[string]any) error
	// SetMetadata replaces the metadata field in one write.
	SetMetadata(ctx context.Context, key string, metadata map[string]any) error
}

// MessageStore persists the conversational audit trail, one document
// per message, indexed by owner and timestamp.
type MessageStore interface {
	Insert(ctx context.Context, msg *models.Message) error
	// RecentByOwner returns up to limit messages for ownerKey,
	// newest first.
	RecentByOwner(ctx context.Context, ownerKey string, limit int) ([]models.Message, error)
	// CountSince counts ownerKey's messages with the given role at or
	// after since. Used by the learning sweep's refresh threshold.
	CountSince(ctx context.Context, ownerKey string, role models.Role, since time.Time) (int, error)
}

// ConfigStore persists one configuration document per environment
// ("development", "production").
type ConfigStore interface {
	Get(ctx context.Context, environment string) (map[string]any, error)
	Put(ctx context.Context, environment string, doc map[string]any) error
}

// Stores is the top-level container for the storage backend in use.
type Stores struct {
	Identities IdentityStore
	Messages   MessageStore
	Configs    ConfigStore

	pingers []func(context.Context) error
	closers []func(context.Context) error
}

// OnPing registers a connectivity probe run by Ping.
func (s *Stores) OnPing(fn func(context.Context) error) {
	s.pingers = append(s.pingers, fn)
}

// Ping verifies backend connectivity. Backends with no probe (memory)
// always pass.
func (s *Stores) Ping(ctx context.Context) error {
	for _, fn := range s.pingers {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// OnClose registers a cleanup hook run by Close, last registered first.
func (s *Stores) OnClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Close releases backend resources.
func (s *Stores) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
