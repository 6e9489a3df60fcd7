// Package learning keeps each member's friends_profile fresh in the
// background: a rolling summary of what the assistant knows about
// them, rebuilt from recent history once enough new turns accumulate.
// It never touches the run loop; a failed refresh is logged and
// dropped, and the stale profile keeps serving.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/identity"
	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/internal/providers"
	"github.com/nextlevelbuilder/nexus/internal/store"
)

// MetaRefreshedAt is the identity metadata key holding the RFC3339
// time of the last successful profile refresh.
const MetaRefreshedAt = "profile_refreshed_at"

// summaryWindow is how many stored messages feed one refresh.
const summaryWindow = 50

// refreshTimeout bounds one out-of-band provider call.
const refreshTimeout = 2 * time.Minute

const summarySystem = `You maintain a short profile of one friend for a personal assistant.
Rewrite the profile using the conversation below: keep durable facts and
preferences, fold in anything new, drop small talk, and never invent
details. Reply with the profile text only, at most 150 words.`

// Caller is the single-shot LLM entry point the refresher uses.
type Caller interface {
	ChatOnce(ctx context.Context, modelName string, msgs []providers.Message) (string, error)
}

// Service counts conversation turns per owner and rewrites the
// friends_profile prompt layer when the threshold is reached, plus a
// scheduled sweep for owners who stop just short of it.
type Service struct {
	bus        *bus.Bus
	cfg        *config.Config
	identities *identity.Service
	messages   store.MessageStore
	llm        Caller
	log        *slog.Logger
	cron       gronx.Gronx

	mu       sync.Mutex
	turns    map[string]int
	inflight map[string]bool
}

func NewService(b *bus.Bus, cfg *config.Config, identities *identity.Service, messages store.MessageStore, llm Caller, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		bus:        b,
		cfg:        cfg,
		identities: identities,
		messages:   messages,
		llm:        llm,
		log:        log.With("service", "learning"),
		cron:       *gronx.New(),
		turns:      make(map[string]int),
		inflight:   make(map[string]bool),
	}
}

// Register subscribes the turn counter. context.build.request marks an
// admitted turn, the same signal the recorder persists from.
func (s *Service) Register() {
	s.bus.Subscribe(bus.TopicContextBuildRequest, s.onTurn)
}

// Run drives the scheduled sweep. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if !s.cfg.LearningEnabled() {
				continue
			}
			expr := s.cfg.LearningSchedule()
			due, err := s.cron.IsDue(expr, now)
			if err != nil {
				s.log.Warn("bad learning schedule", "schedule", expr, "error", err)
				continue
			}
			if due {
				s.sweep(ctx)
			}
		}
	}
}

func (s *Service) onTurn(ctx context.Context, msg *models.Message) {
	if !s.cfg.LearningEnabled() {
		return
	}
	run, ok := msg.Content.AsRun()
	if !ok || run == nil {
		return
	}
	key := run.OwnerKey

	s.mu.Lock()
	s.turns[key]++
	// An in-flight refresh keeps the counter; the turn after it
	// finishes triggers the next one.
	due := s.turns[key] >= s.cfg.LearningThreshold() && !s.inflight[key]
	if due {
		s.turns[key] = 0
		s.inflight[key] = true
	}
	s.mu.Unlock()

	if due {
		go s.refresh(ctx, key)
	}
}

// sweep refreshes every member with new human turns since their last
// refresh.
func (s *Service) sweep(ctx context.Context) {
	for _, rec := range s.identities.Members(ctx) {
		key := rec.PublicKey
		n, err := s.messages.CountSince(ctx, key, models.RoleHuman, lastRefresh(rec))
		if err != nil {
			s.log.Warn("sweep count failed", "owner", key, "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		s.mu.Lock()
		busy := s.inflight[key]
		if !busy {
			s.inflight[key] = true
			s.turns[key] = 0
		}
		s.mu.Unlock()
		if busy {
			continue
		}
		s.refresh(ctx, key)
	}
}

// refresh rebuilds one owner's profile from stored history. The caller
// must have set the inflight flag.
func (s *Service) refresh(ctx context.Context, key string) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	// Visitors leave no history and keep no profile.
	rec := s.identities.Get(ctx, key)
	if rec == nil {
		return
	}

	history, err := s.messages.RecentByOwner(ctx, key, summaryWindow)
	if err != nil {
		s.log.Warn("profile refresh history read failed", "owner", key, "error", err)
		return
	}
	if len(history) == 0 {
		return
	}

	out, err := s.llm.ChatOnce(ctx, s.modelFor(rec), summaryMessages(currentProfile(rec), history))
	if err != nil {
		s.log.Warn("profile refresh call failed", "owner", key, "error", err)
		return
	}
	text := strings.TrimSpace(out)
	if text == "" {
		s.log.Warn("profile refresh returned nothing", "owner", key)
		return
	}

	overrides := withKey(rec.PromptOverrides, "friends_profile", map[string]any{"content": text})
	if err := s.identities.UpdatePromptOverrides(ctx, key, overrides); err != nil {
		s.log.Error("profile refresh write failed", "owner", key, "error", err)
		return
	}
	meta := withKey(rec.Metadata, MetaRefreshedAt, time.Now().UTC().Format(time.RFC3339))
	if err := s.identities.UpdateMetadata(ctx, key, meta); err != nil {
		s.log.Warn("refresh timestamp write failed", "owner", key, "error", err)
	}
	s.log.Info("friend profile refreshed", "owner", key, "chars", len(text))
}

// modelFor picks whose model preference drives the summarization call.
func (s *Service) modelFor(rec *store.IdentityRecord) string {
	if s.cfg.LearningModelMode() == "user" {
		if m, ok := rec.ConfigOverrides["llm_model"].(string); ok {
			return m
		}
	}
	return ""
}

func lastRefresh(rec *store.IdentityRecord) time.Time {
	if raw, ok := rec.Metadata[MetaRefreshedAt].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return rec.CreatedAt
}

func currentProfile(rec *store.IdentityRecord) string {
	if text, ok := identity.OverrideContent(rec.PromptOverrides["friends_profile"]); ok && text != "" {
		return text
	}
	if text, ok := identity.OverrideContent(rec.PromptOverrides["learning"]); ok && text != "" {
		return text
	}
	return "(nothing yet)"
}

// summaryMessages frames the refresh call: the current profile plus a
// transcript of recent turns, oldest first.
func summaryMessages(profile string, history []models.Message) []providers.Message {
	var sb strings.Builder
	sb.WriteString("Current profile:\n")
	sb.WriteString(profile)
	sb.WriteString("\n\nRecent conversation:\n")
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		text, ok := m.Content.AsText()
		if !ok || text == "" {
			continue
		}
		speaker := "Human"
		if m.Role == models.RoleAI {
			speaker = "Nexus"
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Timestamp.UTC().Format("2006-01-02 15:04"), speaker, text)
	}
	return []providers.Message{
		{Role: "system", Content: summarySystem},
		{Role: "user", Content: sb.String()},
	}
}

func withKey(m map[string]any, key string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	out[key] = v
	return out
}
