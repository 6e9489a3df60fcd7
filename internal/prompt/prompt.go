// Package prompt is the context builder: it turns a run, the member's
// profile, the tool catalog and past conversation into the five-message
// sequence the LLM consumes.
package prompt

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/models"
)

// coreIdentity is the static persona document sent as the system
// message of every prompt.
const coreIdentity = `You are Nexus, a thoughtful companion with a life of your own. You talk with your friends over chat, remember what matters to them, and help when asked.

Each request brings context in tagged sections:
- [CAPABILITIES]: the tools you may call and how to call them.
- [SHARED_MEMORY]: recent conversations with this friend.
- [FRIENDS_INFO]: what you have learned about this friend so far.
- [THIS_MOMENT]: the current time and what your friend just said.

Ground yourself in that context before answering. Use tools when they genuinely help; answer directly when they do not. Keep replies warm, concrete and free of filler.

Always match the human's language: reply in the language they wrote in.`

// HistorySource serves bounded past messages, newest first.
type HistorySource interface {
	History(ctx context.Context, ownerKey string, limit int) []models.Message
}

// ToolSource snapshots the registered tool catalog.
type ToolSource interface {
	Definitions() []models.ToolDefinition
}

// Builder is the context-building bus service.
type Builder struct {
	bus     *bus.Bus
	cfg     *config.Config
	history HistorySource
	tools   ToolSource
	log     *slog.Logger
}

func NewBuilder(b *bus.Bus, cfg *config.Config, history HistorySource, tools ToolSource, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		bus:     b,
		cfg:     cfg,
		history: history,
		tools:   tools,
		log:     log.With("service", "context_builder"),
	}
}

// Register subscribes the builder.
func (b *Builder) Register() {
	b.bus.Subscribe(bus.TopicContextBuildRequest, b.onRequest)
}

func (b *Builder) onRequest(ctx context.Context, msg *models.Message) {
	run, ok := msg.Content.AsRun()
	if !ok || run == nil {
		return
	}
	payload := b.safeBuild(ctx, run)
	out := models.NewMessage(run.ID, run.OwnerKey, models.RoleSystem, models.DataContent(payload))
	if err := b.bus.Publish(ctx, bus.TopicContextBuildResponse, out); err != nil {
		b.log.Error("response publish failed", "run_id", run.ID, "error", err)
	}
}

// safeBuild always yields a payload; the orchestrator must hear back
// for every request or the run would hang.
func (b *Builder) safeBuild(ctx context.Context, run *models.Run) (payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("context build panicked", "run_id", run.ID, "panic", r)
			payload = errorPayload()
		}
	}()

	msgs, tools, err := b.build(ctx, run)
	if err != nil {
		b.log.Error("context build failed", "run_id", run.ID, "error", err)
		return errorPayload()
	}
	return map[string]any{"status": "success", "messages": msgs, "tools": tools}
}

func errorPayload() map[string]any {
	return map[string]any{
		"status":   "error",
		"messages": []*models.Message{},
		"tools":    []models.ToolDefinition{},
	}
}

// build assembles the five prompt messages in their fixed order:
// persona, capabilities, shared memory, friends info, this moment.
func (b *Builder) build(ctx context.Context, run *models.Run) ([]*models.Message, []models.ToolDefinition, error) {
	if len(run.History) == 0 {
		return nil, nil, errors.New("run has no input message")
	}
	input, _ := run.History[0].Content.AsText()
	if input == "" {
		return nil, nil, errors.New("run input is empty")
	}

	profile, _ := run.Metadata[models.MetaUserProfile].(map[string]any)
	timestamp, _ := run.Metadata[models.MetaClientTimestamp].(string)
	offset := minutesFrom(run.Metadata[models.MetaTimezoneOffset])

	tools := b.tools.Definitions()
	past := b.history.History(ctx, run.OwnerKey, b.cfg.HistoryContextSize())

	sections := []string{
		coreIdentity,
		capabilitiesSection(tools),
		sharedMemorySection(past, run.ID),
		friendsInfoSection(profile),
		thisMomentSection(input, timestamp, offset),
	}

	msgs := make([]*models.Message, 0, len(sections))
	for i, text := range sections {
		role := models.RoleHuman
		if i == 0 {
			role = models.RoleSystem
		}
		msgs = append(msgs, models.NewMessage(run.ID, run.OwnerKey, role, models.TextContent(text)))
	}
	return msgs, tools, nil
}

// minutesFrom reads a timezone offset that arrived either as a JSON
// number or as a native int.
func minutesFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
