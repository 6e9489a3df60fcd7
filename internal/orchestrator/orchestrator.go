// Package orchestrator owns the live run table and drives each run
// through its lifecycle: context build, LLM decision, tool execution,
// and the agentic loop between them. Every admitted run ends in exactly
// one run_finished event no matter which path it takes.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/identity"
	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/pkg/protocol"
)

var tracer = otel.Tracer("nexus/orchestrator")

// activeRun is the mutable state for one admitted run. All fields are
// guarded by mu; bus handlers for the same run contend on it so state
// updates stay serialized even though the bus schedules them freely.
type activeRun struct {
	mu sync.Mutex

	run *models.Run

	// contextMsgs is the built prompt sequence from the context builder.
	// It never enters run.History; promptRun() prepends it when handing
	// the run to the LLM service.
	contextMsgs []*models.Message

	// pending is the tool barrier: tool results count it down, and the
	// decrement that reaches zero re-dispatches the LLM in the same
	// critical section.
	pending int

	done bool
	span trace.Span
}

// promptRun derives the LLM view of the run: the built context followed
// by every message the loop appended after the initial human input. The
// input itself is already baked into the context's final section.
func (a *activeRun) promptRun() *models.Run {
	view := *a.run
	history := make([]*models.Message, 0, len(a.contextMsgs)+len(a.run.History))
	history = append(history, a.contextMsgs...)
	if len(a.run.History) > 1 {
		history = append(history, a.run.History[1:]...)
	}
	view.History = history
	return &view
}

// Service is the run state machine.
type Service struct {
	bus        *bus.Bus
	cfg        *config.Config
	identities *identity.Service
	log        *slog.Logger

	mu     sync.RWMutex
	active map[string]*activeRun
}

func NewService(b *bus.Bus, cfg *config.Config, identities *identity.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		bus:        b,
		cfg:        cfg,
		identities: identities,
		log:        log.With("service", "orchestrator"),
		active:     make(map[string]*activeRun),
	}
}

// Register subscribes the orchestrator to its four driving topics.
func (s *Service) Register() {
	s.bus.Subscribe(bus.TopicRunsNew, s.onRunNew)
	s.bus.Subscribe(bus.TopicContextBuildResponse, s.onContextResponse)
	s.bus.Subscribe(bus.TopicLLMResults, s.onLLMResult)
	s.bus.Subscribe(bus.TopicToolsResults, s.onToolResult)
}

// ActiveRuns reports the number of runs currently in flight.
func (s *Service) ActiveRuns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

func (s *Service) lookup(runID string) *activeRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[runID]
}

// onRunNew admits a run: resolve the owner's identity, inject the
// profile, announce run_started, and ask the context builder for a
// prompt.
func (s *Service) onRunNew(ctx context.Context, msg *models.Message) {
	run, ok := msg.Content.AsRun()
	if !ok || run == nil {
		return
	}

	s.mu.Lock()
	if _, exists := s.active[run.ID]; exists {
		s.mu.Unlock()
		s.log.Warn("duplicate run ignored", "run_id", run.ID)
		return
	}
	a := &activeRun{run: run}
	s.active[run.ID] = a
	s.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	_, a.span = tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.owner", run.OwnerKey),
	))

	rec, created := s.identities.GetOrCreate(ctx, run.OwnerKey)
	if rec != nil {
		if run.Metadata == nil {
			run.Metadata = map[string]any{}
		}
		run.Metadata[models.MetaUserProfile] = identity.RunProfile(rec)
	}
	if created {
		s.log.Info("first contact", "run_id", run.ID, "owner", run.OwnerKey)
	}

	run.Status = models.StatusBuildingContext

	input := ""
	if first := run.FirstHuman(); first != nil {
		input, _ = first.Content.AsText()
	}
	s.publishUI(ctx, run, protocol.EventRunStarted, map[string]any{"user_input": input})

	req := models.NewMessage(run.ID, run.OwnerKey, models.RoleSystem, models.RunContent(run))
	if err := s.bus.Publish(ctx, bus.TopicContextBuildRequest, req); err != nil {
		s.log.Error("context request publish failed", "run_id", run.ID, "error", err)
		s.publishUI(ctx, run, protocol.EventError, map[string]any{"message": "Failed to build conversation context"})
		s.finishLocked(ctx, a, models.StatusFailed, nil)
		return
	}

	s.log.Info("run admitted", "run_id", run.ID, "owner", run.OwnerKey)
}

// onContextResponse moves a run out of building_context: success hands
// the built prompt to the LLM, error finishes the run as failed.
func (s *Service) onContextResponse(ctx context.Context, msg *models.Message) {
	data, ok := msg.Content.AsData()
	if !ok {
		return
	}
	a := s.lookup(msg.RunID)
	if a == nil {
		s.log.Debug("context response for unknown run", "run_id", msg.RunID)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done || a.run.Status != models.StatusBuildingContext {
		return
	}

	if status, _ := data["status"].(string); status != "success" {
		s.publishUI(ctx, a.run, protocol.EventError, map[string]any{"message": "Failed to build conversation context"})
		s.finishLocked(ctx, a, models.StatusFailed, nil)
		return
	}

	a.contextMsgs, _ = data["messages"].([]*models.Message)
	if defs, ok := data["tools"].([]models.ToolDefinition); ok {
		a.run.Tools = defs
	}
	a.run.Status = models.StatusAwaitingLLMDecision
	s.requestLLM(ctx, a)
}

// onLLMResult is the decision point of the loop. A system-role message
// is a streaming passthrough, never a decision. An AI message either
// finishes the run or fans out into tool calls, capped by the iteration
// limit.
func (s *Service) onLLMResult(ctx context.Context, msg *models.Message) {
	if msg.Role == models.RoleSystem {
		if err := s.bus.Publish(ctx, bus.TopicUIEvents, msg); err != nil {
			s.log.Warn("passthrough publish failed", "run_id", msg.RunID, "error", err)
		}
		return
	}
	if msg.Role != models.RoleAI {
		return
	}
	data, ok := msg.Content.AsData()
	if !ok {
		return
	}
	a := s.lookup(msg.RunID)
	if a == nil {
		s.log.Debug("llm result for unknown run", "run_id", msg.RunID)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done || a.run.Status != models.StatusAwaitingLLMDecision {
		return
	}

	content, _ := data["content"].(string)
	calls := models.ToolCallsFrom(data["tool_calls"])

	if len(calls) == 0 {
		a.run.Status = models.StatusGeneratingResponse
		final := models.NewMessage(a.run.ID, a.run.OwnerKey, models.RoleAI, models.TextContent(content))
		a.run.Append(final)
		s.finishLocked(ctx, a, models.StatusCompleted, map[string]any{"content": content})
		return
	}

	max := s.cfg.MaxToolIterations()
	if a.run.IterationCount >= max {
		s.log.Warn("iteration cap reached", "run_id", a.run.ID, "iterations", a.run.IterationCount, "dropped_calls", len(calls))
		s.publishUI(ctx, a.run, protocol.EventError, map[string]any{
			"message": fmt.Sprintf("Maximum tool iterations (%d) reached", max),
		})
		s.finishLocked(ctx, a, models.StatusTimedOut, nil)
		return
	}

	decision := models.NewMessage(a.run.ID, a.run.OwnerKey, models.RoleAI, models.TextContent(content))
	decision.Metadata["tool_calls"] = calls
	decision.Metadata["has_tool_calls"] = true
	a.run.Append(decision)

	a.run.IterationCount++
	a.pending = len(calls)
	a.run.Metadata[models.MetaPendingToolCalls] = a.pending
	a.run.Status = models.StatusAwaitingToolResult

	for _, call := range calls {
		s.publishUI(ctx, a.run, protocol.EventToolCallStarted, map[string]any{
			"tool_name": call.Function.Name,
			"call_id":   call.ID,
		})
		args, err := call.ParsedArguments()
		if err != nil {
			s.log.Warn("tool arguments unparsable, passing empty args",
				"run_id", a.run.ID, "tool", call.Function.Name, "error", err)
		}
		req := models.NewMessage(a.run.ID, a.run.OwnerKey, models.RoleAI, models.DataContent(map[string]any{
			"name":    call.Function.Name,
			"args":    args,
			"call_id": call.ID,
		}))
		if err := s.bus.Publish(ctx, bus.TopicToolsRequests, req); err != nil {
			s.log.Error("tool request publish failed", "run_id", a.run.ID, "tool", call.Function.Name, "error", err)
		}
	}
}

// onToolResult appends the tool output and counts the barrier down. The
// decrement that hits zero re-dispatches the LLM before the lock is
// released, so a racing late result can never double-dispatch.
func (s *Service) onToolResult(ctx context.Context, msg *models.Message) {
	data, ok := msg.Content.AsData()
	if !ok {
		return
	}
	a := s.lookup(msg.RunID)
	if a == nil {
		s.log.Debug("tool result for unknown run", "run_id", msg.RunID)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done || a.run.Status != models.StatusAwaitingToolResult || a.pending == 0 {
		return
	}

	toolName, _ := data["tool_name"].(string)
	status, _ := data["status"].(string)
	result, _ := data["result"].(string)
	callID, _ := data["call_id"].(string)

	observed := models.NewMessage(a.run.ID, a.run.OwnerKey, models.RoleTool, models.TextContent(result))
	observed.Metadata["tool_name"] = toolName
	observed.Metadata["status"] = status
	observed.Metadata["call_id"] = callID
	a.run.Append(observed)

	s.publishUI(ctx, a.run, protocol.EventToolCallFinished, map[string]any{
		"tool_name": toolName,
		"call_id":   callID,
		"status":    status,
	})

	a.pending--
	a.run.Metadata[models.MetaPendingToolCalls] = a.pending
	if a.pending == 0 {
		a.run.Status = models.StatusAwaitingLLMDecision
		s.requestLLM(ctx, a)
	}
}

// requestLLM publishes the run's prompt view on llm.requests. Callers
// hold a.mu.
func (s *Service) requestLLM(ctx context.Context, a *activeRun) {
	req := models.NewMessage(a.run.ID, a.run.OwnerKey, models.RoleSystem, models.RunContent(a.promptRun()))
	if err := s.bus.Publish(ctx, bus.TopicLLMRequests, req); err != nil {
		s.log.Error("llm request publish failed", "run_id", a.run.ID, "error", err)
		s.publishUI(ctx, a.run, protocol.EventError, map[string]any{"message": "Failed to reach the language model"})
		s.finishLocked(ctx, a, models.StatusFailed, nil)
	}
}

// finishLocked ends a run exactly once: marks it done, emits the single
// run_finished event, and drops it from the active table. Callers hold
// a.mu.
func (s *Service) finishLocked(ctx context.Context, a *activeRun, status models.Status, extra map[string]any) {
	if a.done {
		return
	}
	a.done = true
	a.run.Status = status

	payload := map[string]any{"status": string(status)}
	for k, v := range extra {
		payload[k] = v
	}
	s.publishUI(ctx, a.run, protocol.EventRunFinished, payload)

	s.mu.Lock()
	delete(s.active, a.run.ID)
	s.mu.Unlock()

	if a.span != nil {
		a.span.SetAttributes(
			attribute.String("run.outcome", string(status)),
			attribute.Int("run.iterations", a.run.IterationCount),
		)
		a.span.End()
	}

	s.log.Info("run finished",
		"run_id", a.run.ID,
		"status", status,
		"iterations", a.run.IterationCount,
		"history", len(a.run.History),
	)
}

func (s *Service) publishUI(ctx context.Context, run *models.Run, event string, payload map[string]any) {
	body := protocol.UIEventBody(event, run.ID, payload)
	msg := models.NewMessage(run.ID, run.OwnerKey, models.RoleSystem, models.DataContent(body))
	if err := s.bus.Publish(ctx, bus.TopicUIEvents, msg); err != nil {
		s.log.Warn("ui event publish failed", "run_id", run.ID, "event", event, "error", err)
	}
}
