// Package memory provides an in-process storage backend. State lives in
// mutex-guarded maps and is lost on restart; intended for tests and
// local development without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/internal/store"
)

// NewStores returns a Stores container with all backends in memory.
func NewStores() *store.Stores {
	return &store.Stores{
		Identities: NewIdentityStore(),
		Messages:   NewMessageStore(),
		Configs:    NewConfigStore(),
	}
}

// IdentityStore keeps member records in a map keyed by public key.
type IdentityStore struct {
	mu      sync.RWMutex
	records map[string]*store.IdentityRecord
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{records: make(map[string]*store.IdentityRecord)}
}

func (s *IdentityStore) Get(_ context.Context, key string) (*store.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *IdentityStore) Create(_ context.Context, rec *store.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.PublicKey]; exists {
		return store.ErrExists
	}
	s.records[rec.PublicKey] = cloneRecord(rec)
	return nil
}

func (s *IdentityStore) List(_ context.Context) ([]*store.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.IdentityRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out, nil
}

func (s *IdentityStore) SetConfigOverrides(_ context.Context, key string, overrides map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return store.ErrNotFound
	}
	rec.ConfigOverrides = cloneMap(overrides)
	return nil
}

func (s *IdentityStore) SetPromptOverrides(_ context.Context, key string, overrides map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return store.ErrNotFound
	}
	rec.PromptOverrides = cloneMap(overrides)
	return nil
}

func (s *IdentityStore) SetMetadata(_ context.Context, key string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return store.ErrNotFound
	}
	rec.Metadata = cloneMap(metadata)
	return nil
}

// MessageStore keeps messages in per-owner append-only slices.
type MessageStore struct {
	mu      sync.RWMutex
	byOwner map[string][]models.Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{byOwner: make(map[string][]models.Message)}
}

func (s *MessageStore) Insert(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Replays of an already-stored message id are absorbed.
	for _, existing := range s.byOwner[msg.OwnerKey] {
		if existing.ID == msg.ID {
			return nil
		}
	}
	s.byOwner[msg.OwnerKey] = append(s.byOwner[msg.OwnerKey], *msg)
	return nil
}

func (s *MessageStore) RecentByOwner(_ context.Context, ownerKey string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.byOwner[ownerKey]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MessageStore) CountSince(_ context.Context, ownerKey string, role models.Role, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, msg := range s.byOwner[ownerKey] {
		if msg.Role == role && !msg.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// ConfigStore keeps one document per environment.
type ConfigStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]any
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{docs: make(map[string]map[string]any)}
}

func (s *ConfigStore) Get(_ context.Context, environment string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[environment]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMap(doc), nil
}

func (s *ConfigStore) Put(_ context.Context, environment string, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[environment] = cloneMap(doc)
	return nil
}

// cloneRecord copies a record so callers never alias store state.
func cloneRecord(rec *store.IdentityRecord) *store.IdentityRecord {
	return &store.IdentityRecord{
		PublicKey:       rec.PublicKey,
		CreatedAt:       rec.CreatedAt,
		Metadata:        cloneMap(rec.Metadata),
		ConfigOverrides: cloneMap(rec.ConfigOverrides),
		PromptOverrides: cloneMap(rec.PromptOverrides),
	}
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		switch t := v.(type) {
		case map[string]any:
			dst[k] = cloneMap(t)
		case []any:
			s := make([]any, len(t))
			copy(s, t)
			dst[k] = s
		default:
			dst[k] = v
		}
	}
	return dst
}
