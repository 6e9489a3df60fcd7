package tools

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/models"
)

// echoTool returns its "text" argument.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echoes the input back." }
func (echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "description": "Text to echo."},
		},
		"required": []string{"text"},
	}
}
func (echoTool) Execute(ctx context.Context, args map[string]any) *Result {
	text, _ := args["text"].(string)
	return NewResult("echo: " + text)
}

type panicTool struct{}

func (panicTool) Name() string                { return "boom" }
func (panicTool) Description() string         { return "Always panics." }
func (panicTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }
func (panicTool) Execute(context.Context, map[string]any) *Result {
	panic("kaboom")
}

type nilResultTool struct{}

func (nilResultTool) Name() string               { return "void" }
func (nilResultTool) Description() string        { return "Returns nothing." }
func (nilResultTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (nilResultTool) Execute(context.Context, map[string]any) *Result {
	return nil
}

func newTestExecutor(t *testing.T) (*Executor, *bus.Bus, context.Context) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	b := bus.New(log)

	reg := NewRegistry()
	reg.Register(echoTool{})
	reg.Register(panicTool{})
	reg.Register(nilResultTool{})

	e := NewExecutor(b, reg, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return e, b, ctx
}

func collect(t *testing.T, b *bus.Bus, topic string) chan *models.Message {
	t.Helper()
	got := make(chan *models.Message, 16)
	b.Subscribe(topic, func(ctx context.Context, msg *models.Message) {
		got <- msg
	})
	return got
}

func waitFor(t *testing.T, ch chan *models.Message) *models.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
		return nil
	}
}

func toolRequest(content models.Content) *models.Message {
	msg := models.NewMessage("run_test", "0xowner", models.RoleAI, content)
	return msg
}

func TestExecuteResults(t *testing.T) {
	tests := []struct {
		name         string
		content      models.Content
		wantStatus   string
		wantTool     string
		wantCallID   string
		wantContains string
	}{
		{
			name: "success carries result and call id",
			content: models.DataContent(map[string]any{
				"name":    "echo",
				"args":    map[string]any{"text": "hi"},
				"call_id": "call_1",
			}),
			wantStatus:   "success",
			wantTool:     "echo",
			wantCallID:   "call_1",
			wantContains: "echo: hi",
		},
		{
			name: "missing args defaults to empty",
			content: models.DataContent(map[string]any{
				"name":    "echo",
				"call_id": "call_2",
			}),
			wantStatus: "success",
			wantTool:   "echo",
			wantCallID: "call_2",
		},
		{
			name:         "non-map content is malformed",
			content:      models.TextContent("run echo please"),
			wantStatus:   "error",
			wantTool:     "unknown",
			wantContains: "Malformed tool request",
		},
		{
			name: "missing name is malformed",
			content: models.DataContent(map[string]any{
				"args":    map[string]any{},
				"call_id": "call_3",
			}),
			wantStatus:   "error",
			wantTool:     "unknown",
			wantCallID:   "call_3",
			wantContains: "missing tool name",
		},
		{
			name: "non-map args is malformed",
			content: models.DataContent(map[string]any{
				"name":    "echo",
				"args":    "not an object",
				"call_id": "call_4",
			}),
			wantStatus:   "error",
			wantTool:     "unknown",
			wantCallID:   "call_4",
			wantContains: "args must be an object",
		},
		{
			name: "unknown tool",
			content: models.DataContent(map[string]any{
				"name":    "teleport",
				"args":    map[string]any{},
				"call_id": "call_5",
			}),
			wantStatus:   "error",
			wantTool:     "teleport",
			wantCallID:   "call_5",
			wantContains: "Tool 'teleport' not found in registry",
		},
		{
			name: "panic becomes error result",
			content: models.DataContent(map[string]any{
				"name":    "boom",
				"args":    map[string]any{},
				"call_id": "call_6",
			}),
			wantStatus:   "error",
			wantTool:     "boom",
			wantCallID:   "call_6",
			wantContains: "panicked",
		},
		{
			name: "nil result becomes error result",
			content: models.DataContent(map[string]any{
				"name":    "void",
				"args":    map[string]any{},
				"call_id": "call_7",
			}),
			wantStatus:   "error",
			wantTool:     "void",
			wantCallID:   "call_7",
			wantContains: "returned no result",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, b, ctx := newTestExecutor(t)
			results := collect(t, b, bus.TopicToolsResults)
			go b.Run(ctx)

			e.execute(ctx, toolRequest(tt.content))

			msg := waitFor(t, results)
			if msg.Role != models.RoleTool {
				t.Errorf("role = %q, want tool", msg.Role)
			}
			data, ok := msg.Content.AsData()
			if !ok {
				t.Fatal("result content is not a map")
			}
			if data["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %q", data["status"], tt.wantStatus)
			}
			if data["tool_name"] != tt.wantTool {
				t.Errorf("tool_name = %v, want %q", data["tool_name"], tt.wantTool)
			}
			if tt.wantCallID != "" && data["call_id"] != tt.wantCallID {
				t.Errorf("call_id = %v, want %q", data["call_id"], tt.wantCallID)
			}
			result, _ := data["result"].(string)
			if tt.wantContains != "" && !strings.Contains(result, tt.wantContains) {
				t.Errorf("result = %q, want substring %q", result, tt.wantContains)
			}
		})
	}
}

func TestExecuteThroughBus(t *testing.T) {
	e, b, ctx := newTestExecutor(t)
	e.Register()
	results := collect(t, b, bus.TopicToolsResults)
	go b.Run(ctx)

	req := toolRequest(models.DataContent(map[string]any{
		"name":    "echo",
		"args":    map[string]any{"text": "roundtrip"},
		"call_id": "call_bus",
	}))
	if err := b.Publish(ctx, bus.TopicToolsRequests, req); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := waitFor(t, results)
	data, _ := msg.Content.AsData()
	if data["result"] != "echo: roundtrip" {
		t.Errorf("result = %v, want echo: roundtrip", data["result"])
	}
	if msg.RunID != req.RunID {
		t.Errorf("run id = %q, want %q", msg.RunID, req.RunID)
	}
}

func TestRegistrySnapshot(t *testing.T) {
	reg := NewRegistry()
	reg.Register(panicTool{})
	reg.Register(echoTool{})

	names := reg.Names()
	if len(names) != 2 || names[0] != "boom" || names[1] != "echo" {
		t.Fatalf("names = %v, want [boom echo]", names)
	}

	defs := reg.Definitions()
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
	if defs[0].Function.Name != "boom" || defs[1].Function.Name != "echo" {
		t.Errorf("definitions out of order: %q, %q", defs[0].Function.Name, defs[1].Function.Name)
	}
	if defs[1].Type != "function" {
		t.Errorf("type = %q, want function", defs[1].Type)
	}
	if defs[1].Function.Description == "" {
		t.Error("description is empty")
	}

	if _, ok := reg.Get("echo"); !ok {
		t.Error("echo not found")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("missing tool reported as found")
	}
}
