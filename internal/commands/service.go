package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/pkg/protocol"
)

// Service is the bus service that executes system.command messages. Every
// request produces one command.result message plus a mirrored
// ui.events{command_result} so the caller's event queue sees the outcome.
type Service struct {
	bus      *bus.Bus
	registry *Registry
	log      *slog.Logger
}

func NewService(b *bus.Bus, registry *Registry, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		bus:      b,
		registry: registry,
		log:      log.With("service", "commands"),
	}
}

// Register subscribes the service.
func (s *Service) Register() {
	s.bus.Subscribe(bus.TopicSystemCommand, s.onCommand)
}

func (s *Service) onCommand(ctx context.Context, msg *models.Message) {
	data, ok := msg.Content.AsData()
	if !ok {
		s.log.Warn("system command with non-map content", "message_id", msg.ID)
		return
	}

	name, _ := data["command"].(string)
	args, _ := data["args"].(string)
	original, _ := data["original_text"].(string)

	inv := Invocation{
		Command:      name,
		Args:         args,
		OriginalText: original,
		OwnerKey:     msg.OwnerKey,
		RunID:        msg.RunID,
	}

	status, result := s.dispatch(ctx, inv)
	s.log.Info("command executed", "command", name, "status", status, "owner_key", msg.OwnerKey)
	s.publishResult(ctx, msg, name, status, result)
}

func (s *Service) dispatch(ctx context.Context, inv Invocation) (status, result string) {
	cmd, ok := s.registry.Get(inv.Command)
	if !ok {
		return StatusError, fmt.Sprintf("Unknown command: %s. Type '/help' for available commands.", inv.Command)
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("command panicked", "command", inv.Command, "panic", r)
			status, result = StatusError, fmt.Sprintf("command %s failed: %v", inv.Command, r)
		}
	}()

	out, err := cmd.Handler(ctx, inv)
	if err != nil {
		return StatusError, err.Error()
	}
	return StatusSuccess, out
}

// Command result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

func (s *Service) publishResult(ctx context.Context, req *models.Message, name, status, result string) {
	payload := map[string]any{
		"command": name,
		"status":  status,
		"result":  result,
	}

	out := models.NewMessage(req.RunID, req.OwnerKey, models.RoleCommand, models.DataContent(payload))
	if err := s.bus.Publish(ctx, bus.TopicCommandResult, out); err != nil {
		s.log.Error("publish command result failed", "command", name, "error", err)
	}

	// Mirror onto ui.events so the per-run SSE queue from POST /chat sees
	// the outcome and can close.
	event := models.NewMessage(req.RunID, req.OwnerKey, models.RoleSystem,
		models.DataContent(protocol.UIEventBody(protocol.EventCommandResult, req.RunID, payload)))
	if err := s.bus.Publish(ctx, bus.TopicUIEvents, event); err != nil {
		s.log.Error("publish command ui event failed", "command", name, "error", err)
	}
}
