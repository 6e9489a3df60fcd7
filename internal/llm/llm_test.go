package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/internal/providers"
)

type fakeProvider struct {
	name   string
	chunks []string
	resp   *providers.ChatResponse
	err    error

	lastReq providers.ChatRequest
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.chunks {
		onChunk(providers.StreamChunk{Content: c})
	}
	onChunk(providers.StreamChunk{Done: true})
	return f.resp, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return f.name }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM = config.LLMConfig{
		Providers: map[string]config.ProviderConfig{
			"fake": {APIKey: "k"},
		},
		Catalog: map[string]config.CatalogEntry{
			"nexus-default": {Provider: "fake", ID: "fake-large"},
			"nexus-mini":    {Provider: "fake", ID: "fake-small"},
		},
		DefaultModel: "nexus-default",
	}
	return cfg
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

func newTestService(t *testing.T, fake *fakeProvider) (*Service, *bus.Bus, context.Context) {
	t.Helper()
	b := bus.New(slog.New(slog.DiscardHandler))
	s := NewService(b, testConfig(), slog.New(slog.DiscardHandler))
	s.pool["fake"] = fake

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return s, b, ctx
}

func chatRun(text string) *models.Run {
	run := models.NewRun("0xowner")
	run.Append(models.NewMessage(run.ID, run.OwnerKey, models.RoleSystem, models.TextContent("persona")))
	run.Append(models.NewMessage(run.ID, run.OwnerKey, models.RoleHuman, models.TextContent(text)))
	return run
}

func TestProcessStreamsChunksAndPublishesResult(t *testing.T) {
	fake := &fakeProvider{
		name:   "fake",
		chunks: []string{"Hel", "lo"},
		resp:   &providers.ChatResponse{Content: "Hello", FinishReason: "stop"},
	}
	s, b, ctx := newTestService(t, fake)
	uiEvents := collect(t, b, bus.TopicUIEvents)
	results := collect(t, b, bus.TopicLLMResults)
	go b.Run(ctx)

	run := chatRun("hi")
	s.process(ctx, run)

	for i, want := range []string{"Hel", "lo"} {
		msg := waitFor(t, uiEvents)
		data, _ := msg.Content.AsData()
		if data["event"] != "text_chunk" {
			t.Fatalf("event %d = %v, want text_chunk", i, data["event"])
		}
		payload := data["payload"].(map[string]any)
		if payload["chunk"] != want {
			t.Errorf("chunk %d = %v, want %q", i, payload["chunk"], want)
		}
		if payload["is_final"] != false {
			t.Errorf("chunk %d is_final = %v", i, payload["is_final"])
		}
	}

	final := waitFor(t, results)
	if final.Role != models.RoleAI {
		t.Errorf("result role = %q, want ai", final.Role)
	}
	if final.RunID != run.ID {
		t.Errorf("result run id = %q, want %q", final.RunID, run.ID)
	}
	data, _ := final.Content.AsData()
	if data["content"] != "Hello" {
		t.Errorf("result content = %v", data["content"])
	}
	if data["tool_calls"] != nil {
		t.Errorf("tool_calls = %v, want nil", data["tool_calls"])
	}
}

func TestProcessCarriesToolCalls(t *testing.T) {
	fake := &fakeProvider{
		name: "fake",
		resp: &providers.ChatResponse{
			Content:      "",
			FinishReason: "tool_calls",
			ToolCalls: []models.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: models.ToolCallFunction{Name: "web_search", Arguments: `{"query":"go"}`},
			}},
		},
	}
	s, b, ctx := newTestService(t, fake)
	results := collect(t, b, bus.TopicLLMResults)
	go b.Run(ctx)

	s.process(ctx, chatRun("search for go"))

	final := waitFor(t, results)
	data, _ := final.Content.AsData()
	calls := models.ToolCallsFrom(data["tool_calls"])
	if len(calls) != 1 || calls[0].Function.Name != "web_search" {
		t.Errorf("tool calls = %+v", calls)
	}
}

func TestProviderErrorBecomesTerminalResult(t *testing.T) {
	fake := &fakeProvider{name: "fake", err: errors.New("connection refused")}
	s, b, ctx := newTestService(t, fake)
	results := collect(t, b, bus.TopicLLMResults)
	go b.Run(ctx)

	s.process(ctx, chatRun("hi"))

	final := waitFor(t, results)
	data, _ := final.Content.AsData()
	text, _ := data["content"].(string)
	if !strings.HasPrefix(text, "Error processing LLM request:") {
		t.Errorf("error content = %q", text)
	}
	if !strings.Contains(text, "connection refused") {
		t.Errorf("error content should carry the cause: %q", text)
	}
	if data["tool_calls"] != nil {
		t.Errorf("tool_calls = %v, want nil", data["tool_calls"])
	}
}

func TestPickHonorsUserModelPreference(t *testing.T) {
	fake := &fakeProvider{name: "fake"}
	s, _, _ := newTestService(t, fake)

	run := chatRun("hi")
	p, model, err := s.pick(run)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if p.Name() != "fake" || model != "fake-large" {
		t.Errorf("default pick = %s/%s, want fake/fake-large", p.Name(), model)
	}

	run.Metadata[models.MetaUserProfile] = map[string]any{
		"config_overrides": map[string]any{"llm_model": "nexus-mini"},
	}
	if _, model, _ = s.pick(run); model != "fake-small" {
		t.Errorf("override pick model = %q, want fake-small", model)
	}

	// "system" keeps the system default.
	run.Metadata[models.MetaUserProfile] = map[string]any{
		"config_overrides": map[string]any{"llm_model": "system"},
	}
	if _, model, _ = s.pick(run); model != "fake-large" {
		t.Errorf("system pick model = %q, want fake-large", model)
	}
}

func TestChatOnceRoutesLikeRunRequests(t *testing.T) {
	fake := &fakeProvider{name: "fake", resp: &providers.ChatResponse{Content: "profile text"}}
	s, _, _ := newTestService(t, fake)
	msgs := []providers.Message{
		{Role: "system", Content: "summarize"},
		{Role: "user", Content: "transcript"},
	}

	out, err := s.ChatOnce(context.Background(), "", msgs)
	if err != nil {
		t.Fatalf("chat once: %v", err)
	}
	if out != "profile text" {
		t.Errorf("content = %q", out)
	}
	if fake.lastReq.Model != "fake-large" {
		t.Errorf("model = %q, want the system default route", fake.lastReq.Model)
	}

	if _, err := s.ChatOnce(context.Background(), "nexus-mini", msgs); err != nil {
		t.Fatalf("chat once with name: %v", err)
	}
	if fake.lastReq.Model != "fake-small" {
		t.Errorf("model = %q, want fake-small", fake.lastReq.Model)
	}
}

func TestChatMessagesConversion(t *testing.T) {
	run := models.NewRun("0xowner")
	run.Append(models.NewMessage(run.ID, run.OwnerKey, models.RoleSystem, models.TextContent("persona")))
	run.Append(models.NewMessage(run.ID, run.OwnerKey, models.RoleHuman, models.TextContent("question")))

	aiTurn := models.NewMessage(run.ID, run.OwnerKey, models.RoleAI, models.TextContent(""))
	aiTurn.Metadata["tool_calls"] = []models.ToolCall{{
		ID:       "call_1",
		Type:     "function",
		Function: models.ToolCallFunction{Name: "web_search", Arguments: "{}"},
	}}
	run.Append(aiTurn)

	toolTurn := models.NewMessage(run.ID, run.OwnerKey, models.RoleTool, models.TextContent("results"))
	toolTurn.Metadata["call_id"] = "call_1"
	run.Append(toolTurn)

	msgs := chatMessages(run)
	wantRoles := []string{"system", "user", "assistant", "tool"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("role %d = %q, want %q", i, msgs[i].Role, want)
		}
	}
	if len(msgs[2].ToolCalls) != 1 {
		t.Errorf("assistant tool calls = %d, want 1", len(msgs[2].ToolCalls))
	}
	if msgs[3].ToolCallID != "call_1" {
		t.Errorf("tool call id = %q, want call_1", msgs[3].ToolCallID)
	}
}
