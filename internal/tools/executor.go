package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/models"
)

var tracer = otel.Tracer("nexus/tools")

// Executor is the bus service that runs tool requests. Every tools.requests
// message produces exactly one tools.results message; validation failures,
// unknown tools, execution errors, and panics all come back as error
// results so the orchestrator's barrier always counts down.
type Executor struct {
	bus      *bus.Bus
	registry *Registry
	log      *slog.Logger
}

func NewExecutor(b *bus.Bus, registry *Registry, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		bus:      b,
		registry: registry,
		log:      log.With("service", "tools"),
	}
}

// Register subscribes the executor.
func (e *Executor) Register() {
	e.bus.Subscribe(bus.TopicToolsRequests, e.onRequest)
}

// onRequest spawns a goroutine per request so concurrent tool calls from
// one LLM turn actually run concurrently.
func (e *Executor) onRequest(ctx context.Context, msg *models.Message) {
	go e.execute(ctx, msg)
}

func (e *Executor) execute(ctx context.Context, msg *models.Message) {
	data, ok := msg.Content.AsData()
	if !ok {
		e.publish(ctx, msg, "unknown", "", ErrorResult("Malformed tool request: content must be an object"))
		return
	}

	callID, _ := data["call_id"].(string)

	name, _ := data["name"].(string)
	if name == "" {
		e.publish(ctx, msg, "unknown", callID, ErrorResult("Malformed tool request: missing tool name"))
		return
	}

	args, ok := requestArgs(data)
	if !ok {
		e.publish(ctx, msg, "unknown", callID, ErrorResult("Malformed tool request: args must be an object"))
		return
	}

	tool, ok := e.registry.Get(name)
	if !ok {
		e.publish(ctx, msg, name, callID, ErrorResult(fmt.Sprintf("Tool '%s' not found in registry", name)))
		return
	}

	ctx, span := tracer.Start(ctx, "tool."+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.call_id", callID),
		attribute.String("run.id", msg.RunID),
	)

	start := time.Now()
	result := e.run(ctx, tool, args)
	span.SetAttributes(attribute.String("tool.status", result.Status()))
	e.log.Info("tool executed",
		"tool", name,
		"run_id", msg.RunID,
		"status", result.Status(),
		"duration_ms", time.Since(start).Milliseconds())

	e.publish(ctx, msg, name, callID, result)
}

// run invokes the tool and converts panics into error results.
func (e *Executor) run(ctx context.Context, tool Tool, args map[string]any) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tool panicked", "tool", tool.Name(), "panic", r)
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", tool.Name(), r))
		}
	}()

	result = tool.Execute(ctx, args)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", tool.Name()))
	}
	return result
}

func (e *Executor) publish(ctx context.Context, req *models.Message, toolName, callID string, res *Result) {
	out := models.NewMessage(req.RunID, req.OwnerKey, models.RoleTool, models.DataContent(map[string]any{
		"status":    res.Status(),
		"result":    res.Content,
		"tool_name": toolName,
		"call_id":   callID,
	}))
	if err := e.bus.Publish(ctx, bus.TopicToolsResults, out); err != nil {
		e.log.Error("publish tool result failed", "tool", toolName, "run_id", req.RunID, "error", err)
	}
}

// requestArgs extracts the args object. A missing args key means the tool
// takes no arguments; any other non-map value is malformed.
func requestArgs(data map[string]any) (map[string]any, bool) {
	raw, present := data["args"]
	if !present || raw == nil {
		return map[string]any{}, true
	}
	args, ok := raw.(map[string]any)
	return args, ok
}
