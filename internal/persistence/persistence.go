// Package persistence records the conversational audit trail. It listens
// on the bus for the turns worth keeping, writes them for validated
// members only, and serves bounded history reads. Visitors chat without
// leaving a trace.
package persistence

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/identity"
	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/internal/store"
)

// Recorder is the persistence service.
type Recorder struct {
	bus        *bus.Bus
	messages   store.MessageStore
	identities *identity.Service
	log        *slog.Logger
}

func NewRecorder(b *bus.Bus, messages store.MessageStore, identities *identity.Service, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		bus:        b,
		messages:   messages,
		identities: identities,
		log:        log.With("service", "persistence"),
	}
}

// Register subscribes the recorder. The human turn is captured from
// context.build.request because only admitted runs reach that stage.
func (r *Recorder) Register() {
	r.bus.Subscribe(bus.TopicContextBuildRequest, r.onContextBuildRequest)
	r.bus.Subscribe(bus.TopicLLMResults, r.onLLMResult)
	r.bus.Subscribe(bus.TopicToolsResults, r.onToolResult)
}

// History returns the most recent limit messages for owner, newest
// first. Failures yield an empty slice, never an error.
func (r *Recorder) History(ctx context.Context, ownerKey string, limit int) []models.Message {
	msgs, err := r.messages.RecentByOwner(ctx, ownerKey, limit)
	if err != nil {
		r.log.Error("history read failed", "owner", ownerKey, "error", err)
		return []models.Message{}
	}
	return msgs
}

func (r *Recorder) onContextBuildRequest(ctx context.Context, msg *models.Message) {
	run, ok := msg.Content.AsRun()
	if !ok || run == nil {
		return
	}
	human := run.FirstHuman()
	if human == nil {
		return
	}
	if !r.member(ctx, run.OwnerKey) {
		r.log.Debug("visitor turn not recorded", "owner", run.OwnerKey, "run_id", run.ID)
		return
	}
	r.insert(ctx, &models.Message{
		ID:        human.ID,
		RunID:     run.ID,
		OwnerKey:  run.OwnerKey,
		Role:      models.RoleHuman,
		Content:   human.Content,
		Timestamp: human.Timestamp,
		Metadata:  map[string]any{},
	})
}

func (r *Recorder) onLLMResult(ctx context.Context, msg *models.Message) {
	if msg.Role == models.RoleSystem {
		// Streaming chunks share the topic in some deployments; only
		// final results are durable.
		return
	}
	data, ok := msg.Content.AsData()
	if !ok {
		return
	}
	text, _ := data["content"].(string)
	calls := models.ToolCallsFrom(data["tool_calls"])
	if text == "" && len(calls) == 0 {
		return
	}
	if !r.member(ctx, msg.OwnerKey) {
		return
	}
	r.insert(ctx, &models.Message{
		ID:        msg.ID,
		RunID:     msg.RunID,
		OwnerKey:  msg.OwnerKey,
		Role:      models.RoleAI,
		Content:   models.TextContent(text),
		Timestamp: msg.Timestamp,
		Metadata: map[string]any{
			"tool_calls":     calls,
			"has_tool_calls": len(calls) > 0,
		},
	})
}

func (r *Recorder) onToolResult(ctx context.Context, msg *models.Message) {
	data, ok := msg.Content.AsData()
	if !ok {
		return
	}
	result, _ := data["result"].(string)
	if result == "" {
		return
	}
	if !r.member(ctx, msg.OwnerKey) {
		return
	}
	status, _ := data["status"].(string)
	r.insert(ctx, &models.Message{
		ID:        msg.ID,
		RunID:     msg.RunID,
		OwnerKey:  msg.OwnerKey,
		Role:      models.RoleTool,
		Content:   models.TextContent(result),
		Timestamp: msg.Timestamp,
		Metadata: map[string]any{
			"tool_name":         data["tool_name"],
			"status":            status,
			"execution_success": status == "success",
			"call_id":           data["call_id"],
		},
	})
}

// member reports whether the key belongs to a stored identity.
func (r *Recorder) member(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	return r.identities.Get(ctx, key) != nil
}

func (r *Recorder) insert(ctx context.Context, rec *models.Message) {
	if err := r.messages.Insert(ctx, rec); err != nil {
		r.log.Error("message insert failed", "message_id", rec.ID, "role", rec.Role, "error", err)
		return
	}
	r.log.Debug("message recorded", "message_id", rec.ID, "role", rec.Role, "owner", rec.OwnerKey)
}
