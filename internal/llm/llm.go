// Package llm is the bus service that turns llm.requests into provider
// chat calls: model routing through the catalog, streaming deltas to
// ui.events, and exactly one llm.results message per request.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/internal/providers"
	"github.com/nextlevelbuilder/nexus/pkg/protocol"
)

var tracer = otel.Tracer("nexus/llm")

// Service routes chat requests to the provider pool.
type Service struct {
	bus *bus.Bus
	cfg *config.Config
	log *slog.Logger

	mu   sync.RWMutex
	pool map[string]providers.Provider
}

func NewService(b *bus.Bus, cfg *config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		bus:  b,
		cfg:  cfg,
		log:  log.With("service", "llm"),
		pool: make(map[string]providers.Provider),
	}
	for _, name := range cfg.ProviderNames() {
		if pc, ok := cfg.Provider(name); ok {
			s.pool[name] = providers.New(name, pc.APIKey, pc.BaseURL, pc.Model)
		}
	}
	return s
}

// Register subscribes the service.
func (s *Service) Register() {
	s.bus.Subscribe(bus.TopicLLMRequests, s.onRequest)
}

// onRequest spawns a goroutine per request so slow provider calls never
// stall the subscriber queue.
func (s *Service) onRequest(ctx context.Context, msg *models.Message) {
	run, ok := msg.Content.AsRun()
	if !ok || run == nil {
		return
	}
	go s.process(ctx, run)
}

func (s *Service) process(ctx context.Context, run *models.Run) {
	provider, model, err := s.pick(run)
	if err != nil {
		s.log.Error("provider selection failed", "run_id", run.ID, "error", err)
		s.publishError(ctx, run, err)
		return
	}

	ctx, span := tracer.Start(ctx, "llm."+provider.Name())
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", provider.Name()),
		attribute.String("llm.model", model),
		attribute.String("run.id", run.ID),
	)

	req := providers.ChatRequest{
		Messages: chatMessages(run),
		Tools:    run.Tools,
		Model:    model,
	}

	onChunk := func(c providers.StreamChunk) {
		if c.Done || c.Content == "" {
			return
		}
		body := protocol.UIEventBody(protocol.EventTextChunk, run.ID, map[string]any{
			"chunk":    c.Content,
			"is_final": false,
		})
		chunk := models.NewMessage(run.ID, run.OwnerKey, models.RoleSystem, models.DataContent(body))
		if err := s.bus.Publish(ctx, bus.TopicUIEvents, chunk); err != nil {
			s.log.Warn("chunk publish failed", "run_id", run.ID, "error", err)
		}
	}

	resp, err := provider.ChatStream(ctx, req, onChunk)
	if err != nil {
		span.RecordError(err)
		s.log.Error("chat failed", "run_id", run.ID, "provider", provider.Name(), "error", err)
		s.publishError(ctx, run, err)
		return
	}

	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	span.SetAttributes(
		attribute.Int("llm.tokens", tokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	s.log.Info("chat completed",
		"run_id", run.ID,
		"provider", provider.Name(),
		"tool_calls", len(resp.ToolCalls),
		"tokens", tokens,
	)

	var calls any
	if len(resp.ToolCalls) > 0 {
		calls = resp.ToolCalls
	}
	result := models.NewMessage(run.ID, run.OwnerKey, models.RoleAI, models.DataContent(map[string]any{
		"content":    resp.Content,
		"tool_calls": calls,
	}))
	if err := s.bus.Publish(ctx, bus.TopicLLMResults, result); err != nil {
		s.log.Error("result publish failed", "run_id", run.ID, "error", err)
	}
}

// publishError surfaces a provider failure as a terminal AI response;
// the orchestrator finishes the run with it.
func (s *Service) publishError(ctx context.Context, run *models.Run, cause error) {
	msg := models.NewMessage(run.ID, run.OwnerKey, models.RoleAI, models.DataContent(map[string]any{
		"content":    fmt.Sprintf("Error processing LLM request: %v", cause),
		"tool_calls": nil,
	}))
	if err := s.bus.Publish(ctx, bus.TopicLLMResults, msg); err != nil {
		s.log.Error("error result publish failed", "run_id", run.ID, "error", err)
	}
}

// ChatOnce issues one non-streaming chat call outside any run, for
// background work like profile refreshes. modelName routes through the
// catalog exactly like a run request; empty or "system" means the
// system default.
func (s *Service) ChatOnce(ctx context.Context, modelName string, msgs []providers.Message) (string, error) {
	if modelName == "" || modelName == "system" {
		modelName = s.cfg.DefaultModelName()
	}
	provider, model, err := s.route(modelName)
	if err != nil {
		return "", err
	}
	resp, err := provider.Chat(ctx, providers.ChatRequest{Messages: msgs, Model: model})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// pick resolves the provider and model id for a run: the member's
// llm_model preference when set, else the system default, routed
// through the catalog.
func (s *Service) pick(run *models.Run) (providers.Provider, string, error) {
	return s.route(s.preferredModel(run))
}

// route maps a model name to a provider and model id through the
// catalog. With no catalog route, a configured provider serves with
// its own default model.
func (s *Service) route(name string) (providers.Provider, string, error) {
	if name != "" {
		if entry, ok := s.cfg.ResolveModel(name); ok {
			if p := s.provider(entry.Provider); p != nil {
				return p, entry.ID, nil
			}
			return nil, "", fmt.Errorf("provider %q not configured for model %q", entry.Provider, name)
		}
	}
	names := s.cfg.ProviderNames()
	sort.Strings(names)
	for _, n := range names {
		if p := s.provider(n); p != nil {
			return p, "", nil
		}
	}
	return nil, "", fmt.Errorf("no provider configured for model %q", name)
}

// preferredModel reads the member's llm_model override from the run
// profile. "system" and empty mean the system default.
func (s *Service) preferredModel(run *models.Run) string {
	if prof, ok := run.Metadata[models.MetaUserProfile].(map[string]any); ok {
		if overrides, ok := prof["config_overrides"].(map[string]any); ok {
			if m, ok := overrides["llm_model"].(string); ok && m != "" && m != "system" {
				return m
			}
		}
	}
	return s.cfg.DefaultModelName()
}

// provider returns the pooled client for name, building one on first
// use so providers added by a config reload are picked up.
func (s *Service) provider(name string) providers.Provider {
	s.mu.RLock()
	p := s.pool[name]
	s.mu.RUnlock()
	if p != nil {
		return p
	}
	pc, ok := s.cfg.Provider(name)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.pool[name]; existing != nil {
		return existing
	}
	p = providers.New(name, pc.APIKey, pc.BaseURL, pc.Model)
	s.pool[name] = p
	return p
}

// chatMessages converts run history into chat-completions entries.
func chatMessages(run *models.Run) []providers.Message {
	msgs := make([]providers.Message, 0, len(run.History))
	for _, m := range run.History {
		pm := providers.Message{Role: wireRole(m.Role)}
		if text, ok := m.Content.AsText(); ok {
			pm.Content = text
		}
		if calls := models.ToolCallsFrom(m.Metadata["tool_calls"]); len(calls) > 0 {
			pm.ToolCalls = calls
		}
		if id, ok := m.Metadata["call_id"].(string); ok {
			pm.ToolCallID = id
		}
		msgs = append(msgs, pm)
	}
	return msgs
}

func wireRole(r models.Role) string {
	switch r {
	case models.RoleHuman:
		return "user"
	case models.RoleAI:
		return "assistant"
	case models.RoleSystem:
		return "system"
	case models.RoleTool:
		return "tool"
	}
	return string(r)
}
