package commands

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/identity"
	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/internal/store/memory"
)

const testOwner = "0xcccc567890abcdef1234567890abcdef12345678"

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	stores := memory.NewStores()
	identities := identity.NewService(stores.Identities, config.Default(), slog.New(slog.DiscardHandler))
	if err := RegisterBuiltins(reg, identities); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return reg
}

func newTestService(t *testing.T, reg *Registry) (*Service, *bus.Bus, context.Context) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	b := bus.New(log)
	s := NewService(b, reg, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return s, b, ctx
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

func commandMessage(name, args, original string) *models.Message {
	return models.NewMessage("run_cmd", testOwner, models.RoleHuman, models.DataContent(map[string]any{
		"command":       name,
		"args":          args,
		"original_text": original,
	}))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	cmd := Command{Name: "Ping", Description: "x", Handler: func(ctx context.Context, inv Invocation) (string, error) {
		return "", nil
	}}
	if err := reg.Register(cmd); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(cmd); err == nil {
		t.Fatal("want error on duplicate name")
	}
	if _, ok := reg.Get("PING"); !ok {
		t.Error("case-insensitive lookup failed")
	}
}

func TestRegistryRequiresHandler(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Command{Name: "broken"}); err == nil {
		t.Fatal("want error for missing handler")
	}
	if err := reg.Register(Command{Handler: func(ctx context.Context, inv Invocation) (string, error) {
		return "", nil
	}}); err == nil {
		t.Fatal("want error for missing name")
	}
}

func TestDescriptorsSorted(t *testing.T) {
	reg := testRegistry(t)
	descs := reg.Descriptors()
	if len(descs) != 3 {
		t.Fatalf("got %d descriptors, want 3", len(descs))
	}
	want := []string{"help", "identity", "ping"}
	for i, d := range descs {
		if d.Name != want[i] {
			t.Errorf("descriptor %d = %q, want %q", i, d.Name, want[i])
		}
		if d.Description == "" {
			t.Errorf("descriptor %q has no description", d.Name)
		}
	}
}

func TestCommandResultAndMirror(t *testing.T) {
	s, b, ctx := newTestService(t, testRegistry(t))
	results := collect(t, b, bus.TopicCommandResult)
	uiEvents := collect(t, b, bus.TopicUIEvents)
	go b.Run(ctx)

	s.onCommand(ctx, commandMessage("ping", "", "/ping"))

	msg := waitFor(t, results)
	if msg.Role != models.RoleCommand {
		t.Errorf("role = %q, want command", msg.Role)
	}
	data, _ := msg.Content.AsData()
	if data["command"] != "ping" || data["status"] != "success" || data["result"] != "pong" {
		t.Errorf("result = %v", data)
	}

	event := waitFor(t, uiEvents)
	edata, _ := event.Content.AsData()
	if edata["event"] != "command_result" {
		t.Errorf("event = %v, want command_result", edata["event"])
	}
	if edata["run_id"] != "run_cmd" {
		t.Errorf("run_id = %v", edata["run_id"])
	}
	payload, _ := edata["payload"].(map[string]any)
	if payload["result"] != "pong" {
		t.Errorf("payload = %v", payload)
	}
}

func TestUnknownCommand(t *testing.T) {
	s, b, ctx := newTestService(t, testRegistry(t))
	results := collect(t, b, bus.TopicCommandResult)
	go b.Run(ctx)

	s.onCommand(ctx, commandMessage("teleport", "", "/teleport"))

	msg := waitFor(t, results)
	data, _ := msg.Content.AsData()
	if data["status"] != "error" {
		t.Errorf("status = %v, want error", data["status"])
	}
	if data["result"] != "Unknown command: teleport. Type '/help' for available commands." {
		t.Errorf("result = %v", data["result"])
	}
}

func TestHandlerErrorAndPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Command{Name: "fail", Description: "x", Handler: func(ctx context.Context, inv Invocation) (string, error) {
		return "", errors.New("backend unavailable")
	}})
	reg.Register(Command{Name: "crash", Description: "x", Handler: func(ctx context.Context, inv Invocation) (string, error) {
		panic("nope")
	}})
	s, b, ctx := newTestService(t, reg)
	results := collect(t, b, bus.TopicCommandResult)
	go b.Run(ctx)

	s.onCommand(ctx, commandMessage("fail", "", "/fail"))
	msg := waitFor(t, results)
	data, _ := msg.Content.AsData()
	if data["status"] != "error" || data["result"] != "backend unavailable" {
		t.Errorf("result = %v", data)
	}

	s.onCommand(ctx, commandMessage("crash", "", "/crash"))
	msg = waitFor(t, results)
	data, _ = msg.Content.AsData()
	if data["status"] != "error" {
		t.Errorf("status = %v, want error", data["status"])
	}
	if result, _ := data["result"].(string); !strings.Contains(result, "nope") {
		t.Errorf("result = %v", data["result"])
	}
}

func TestHelpListsCommands(t *testing.T) {
	s, b, ctx := newTestService(t, testRegistry(t))
	results := collect(t, b, bus.TopicCommandResult)
	go b.Run(ctx)

	s.onCommand(ctx, commandMessage("help", "", "/help"))

	msg := waitFor(t, results)
	data, _ := msg.Content.AsData()
	result, _ := data["result"].(string)
	for _, want := range []string{"Available commands:", "/help", "/identity", "/ping"} {
		if !strings.Contains(result, want) {
			t.Errorf("help output missing %q:\n%s", want, result)
		}
	}
}

func TestIdentityCommand(t *testing.T) {
	s, b, ctx := newTestService(t, testRegistry(t))
	results := collect(t, b, bus.TopicCommandResult)
	go b.Run(ctx)

	s.onCommand(ctx, commandMessage("identity", "", "/identity"))

	msg := waitFor(t, results)
	data, _ := msg.Content.AsData()
	if data["status"] != "success" {
		t.Fatalf("status = %v: %v", data["status"], data["result"])
	}
	result, _ := data["result"].(string)
	for _, want := range []string{"Public key: " + testOwner, "Member since:", "first visit"} {
		if !strings.Contains(result, want) {
			t.Errorf("identity output missing %q:\n%s", want, result)
		}
	}
}
