// Package identity resolves public keys to member records and serves
// effective-profile views that merge per-user overrides onto system
// defaults. It is the gatekeeper between visitors (no stored record)
// and members (full participation).
package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/store"
)

// Service handles identity lookup, first-contact creation and profile
// merging.
type Service struct {
	identities store.IdentityStore
	cfg        *config.Config
	log        *slog.Logger
}

func NewService(identities store.IdentityStore, cfg *config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		identities: identities,
		cfg:        cfg,
		log:        log.With("service", "identity"),
	}
}

// Get returns the stored record for key, or nil when the key is
// unknown. Store failures degrade to absence.
func (s *Service) Get(ctx context.Context, key string) *store.IdentityRecord {
	rec, err := s.identities.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("identity lookup failed", "key", key, "error", err)
		}
		return nil
	}
	return rec
}

// Create inserts a fresh record with empty overrides. Returns false
// when the key is already taken or the write fails.
func (s *Service) Create(ctx context.Context, key string, metadata map[string]any) bool {
	if metadata == nil {
		metadata = map[string]any{}
	}
	rec := &store.IdentityRecord{
		PublicKey:       key,
		CreatedAt:       time.Now().UTC(),
		Metadata:        metadata,
		ConfigOverrides: map[string]any{},
		PromptOverrides: map[string]any{},
	}
	if err := s.identities.Create(ctx, rec); err != nil {
		if !errors.Is(err, store.ErrExists) {
			s.log.Warn("identity create failed", "key", key, "error", err)
		}
		return false
	}
	s.log.Info("identity created", "key", key)
	return true
}

// GetOrCreate resolves key to a record, creating one on first contact.
// The second return reports whether this call created it.
func (s *Service) GetOrCreate(ctx context.Context, key string) (*store.IdentityRecord, bool) {
	if rec := s.Get(ctx, key); rec != nil {
		return rec, false
	}
	if s.Create(ctx, key, nil) {
		if rec := s.Get(ctx, key); rec != nil {
			return rec, true
		}
	}
	// Lost a create race, or the store is unwell. One more read settles
	// which; nil means the caller sees a visitor.
	return s.Get(ctx, key), false
}

// UpdateConfigOverrides replaces the member's config overrides in one
// write, creating the record if this key has never been seen.
func (s *Service) UpdateConfigOverrides(ctx context.Context, key string, overrides map[string]any) error {
	s.GetOrCreate(ctx, key)
	if overrides == nil {
		overrides = map[string]any{}
	}
	return s.identities.SetConfigOverrides(ctx, key, overrides)
}

// UpdatePromptOverrides replaces the member's prompt overrides in one
// write, creating the record if this key has never been seen.
func (s *Service) UpdatePromptOverrides(ctx context.Context, key string, overrides map[string]any) error {
	s.GetOrCreate(ctx, key)
	if overrides == nil {
		overrides = map[string]any{}
	}
	return s.identities.SetPromptOverrides(ctx, key, overrides)
}

// Members lists every stored record. Store failures degrade to an
// empty list.
func (s *Service) Members(ctx context.Context) []*store.IdentityRecord {
	recs, err := s.identities.List(ctx)
	if err != nil {
		s.log.Warn("identity list failed", "error", err)
		return nil
	}
	return recs
}

// UpdateMetadata replaces the member's metadata in one write. Unknown
// keys are an error; metadata is never a first-contact path.
func (s *Service) UpdateMetadata(ctx context.Context, key string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return s.identities.SetMetadata(ctx, key, metadata)
}
