package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nexus/internal/auth"
	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/commands"
	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/identity"
	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/internal/persistence"
	"github.com/nextlevelbuilder/nexus/internal/store/memory"
	"github.com/nextlevelbuilder/nexus/pkg/protocol"
)

const testKey = "0xabababababababababababababababababababab"

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

type env struct {
	cfg  *config.Config
	bus  *bus.Bus
	hub  *Hub
	ids  *identity.Service
	msgs *memory.MessageStore
	srv  *Server
	addr string
	ctx  context.Context
}

// newEnv wires a gateway over a live bus with the command service and
// recorder attached. Tests add their own bus subscriptions (a fake
// orchestrator, usually) before calling start.
func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()

	b := bus.New(discard())
	hub := NewHub(b, discard())
	hub.Register()

	ids := identity.NewService(memory.NewIdentityStore(), cfg, discard())
	msgs := memory.NewMessageStore()
	recorder := persistence.NewRecorder(b, msgs, ids, discard())

	reg := commands.NewRegistry()
	reg.Register(commands.Command{
		Name:        "ping",
		Description: "liveness probe",
		Handler: func(ctx context.Context, inv commands.Invocation) (string, error) {
			return "pong", nil
		},
	})
	cmdSvc := commands.NewService(b, reg, discard())
	cmdSvc.Register()

	srv := NewServer(cfg, b, hub, ids, recorder, reg, discard())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &env{cfg: cfg, bus: b, hub: hub, ids: ids, msgs: msgs, srv: srv, ctx: ctx}
}

func (e *env) start(t *testing.T) {
	t.Helper()
	addr, start := StartTestServer(e.srv, e.ctx)
	e.addr = addr
	go start()
	go e.bus.Run(e.ctx)
}

func (e *env) request(t *testing.T, method, path, bearer, body string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	t.Cleanup(cancel)

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+e.addr+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

// readFrame parses the next SSE frame, skipping comments.
func readFrame(t *testing.T, rd *bufio.Reader) (string, map[string]any) {
	t.Helper()
	var event string
	var data map[string]any
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" {
				return event, data
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
				t.Fatalf("frame data: %v", err)
			}
		}
	}
}

func payloadOf(t *testing.T, data map[string]any) map[string]any {
	t.Helper()
	payload, _ := data["payload"].(map[string]any)
	if payload == nil {
		t.Fatalf("frame has no payload: %v", data)
	}
	return payload
}

// fakeOrchestrator answers every runs.new with a started/chunk/finished
// sequence, echoing the input.
func (e *env) fakeOrchestrator(t *testing.T) {
	t.Helper()
	e.bus.Subscribe(bus.TopicRunsNew, func(ctx context.Context, msg *models.Message) {
		run, ok := msg.Content.AsRun()
		if !ok {
			return
		}
		input := ""
		if first := run.FirstHuman(); first != nil {
			input, _ = first.Content.AsText()
		}
		publish := func(event string, payload map[string]any) {
			body := protocol.UIEventBody(event, run.ID, payload)
			out := models.NewMessage(run.ID, run.OwnerKey, models.RoleSystem, models.DataContent(body))
			e.bus.Publish(ctx, bus.TopicUIEvents, out)
		}
		publish(protocol.EventRunStarted, map[string]any{"user_input": input})
		publish(protocol.EventTextChunk, map[string]any{"chunk": "echo: " + input, "is_final": false})
		publish(protocol.EventRunFinished, map[string]any{"status": protocol.OutcomeCompleted, "content": "echo: " + input})
	})
}

func TestChatStreamsRunToCompletion(t *testing.T) {
	e := newEnv(t)
	e.fakeOrchestrator(t)
	e.start(t)

	resp := e.request(t, http.MethodPost, "/chat", testKey, `{"user_input":"Hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)

	event, data := readFrame(t, rd)
	if event != protocol.EventRunStarted {
		t.Fatalf("first event = %q, want run_started", event)
	}
	if p := payloadOf(t, data); p["user_input"] != "Hello" {
		t.Errorf("run_started user_input = %v", p["user_input"])
	}

	event, data = readFrame(t, rd)
	if event != protocol.EventTextChunk {
		t.Fatalf("second event = %q, want text_chunk", event)
	}
	if p := payloadOf(t, data); p["chunk"] != "echo: Hello" {
		t.Errorf("chunk = %v", p["chunk"])
	}

	event, data = readFrame(t, rd)
	if event != protocol.EventRunFinished {
		t.Fatalf("third event = %q, want run_finished", event)
	}
	if p := payloadOf(t, data); p["status"] != protocol.OutcomeCompleted {
		t.Errorf("status = %v", p["status"])
	}

	// run_finished ends the stream.
	if _, err := rd.ReadByte(); err != io.EOF {
		t.Errorf("read after run_finished = %v, want EOF", err)
	}
}

func TestChatValidation(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	tests := []struct {
		name   string
		bearer string
		body   string
		want   int
	}{
		{"missing bearer", "", `{"user_input":"hi"}`, http.StatusUnauthorized},
		{"malformed bearer", "not-a-key", `{"user_input":"hi"}`, http.StatusUnauthorized},
		{"malformed body", testKey, `{"user_input"`, http.StatusUnprocessableEntity},
		{"empty input", testKey, `{"user_input":"  "}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.request(t, http.MethodPost, "/chat", tt.bearer, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestChatRoutesSlashInputAsCommand(t *testing.T) {
	e := newEnv(t)
	runsNew := make(chan string, 1)
	e.bus.Subscribe(bus.TopicRunsNew, func(ctx context.Context, msg *models.Message) {
		runsNew <- msg.RunID
	})
	e.start(t)

	resp := e.request(t, http.MethodPost, "/chat", testKey, `{"user_input":"/ping"}`)
	rd := bufio.NewReader(resp.Body)

	event, data := readFrame(t, rd)
	if event != protocol.EventCommandResult {
		t.Fatalf("event = %q, want command_result", event)
	}
	p := payloadOf(t, data)
	if p["command"] != "ping" || p["status"] != "success" || p["result"] != "pong" {
		t.Errorf("command payload = %v", p)
	}

	if _, err := rd.ReadByte(); err != io.EOF {
		t.Errorf("read after command_result = %v, want EOF", err)
	}

	select {
	case id := <-runsNew:
		t.Errorf("command input reached runs.new as %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnknownCommandReportsError(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	resp := e.request(t, http.MethodPost, "/chat", testKey, `{"user_input":"/nope"}`)
	rd := bufio.NewReader(resp.Body)

	event, data := readFrame(t, rd)
	if event != protocol.EventCommandResult {
		t.Fatalf("event = %q", event)
	}
	p := payloadOf(t, data)
	result, _ := p["result"].(string)
	if p["status"] != "error" || !strings.Contains(result, "Unknown command: nope") {
		t.Errorf("payload = %v", p)
	}
}

func TestStreamRejectsForeignKey(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	other := "0xcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd"
	resp := e.request(t, http.MethodGet, "/stream/"+other, testKey, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func waitForOwnerQueue(t *testing.T, h *Hub, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.owners[key])
		h.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("owner queue never registered")
}

func publishCommandResult(t *testing.T, e *env, key, command, result string) {
	t.Helper()
	msg := models.NewMessage(models.NewRunID(), key, models.RoleCommand, models.DataContent(map[string]any{
		"command": command,
		"status":  "success",
		"result":  result,
	}))
	if err := e.bus.Publish(e.ctx, bus.TopicCommandResult, msg); err != nil {
		t.Fatalf("publish command result: %v", err)
	}
}

func TestStreamDeliversOwnerCommandResults(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	resp := e.request(t, http.MethodGet, "/stream/"+testKey, testKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	waitForOwnerQueue(t, e.hub, testKey)

	publishCommandResult(t, e, testKey, "remind", "saved")

	rd := bufio.NewReader(resp.Body)
	event, data := readFrame(t, rd)
	if event != protocol.EventCommandResult {
		t.Fatalf("event = %q", event)
	}
	if p := payloadOf(t, data); p["result"] != "saved" {
		t.Errorf("payload = %v", p)
	}
}

func TestWebSocketMirrorsOwnerStream(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	header := http.Header{"Authorization": []string{"Bearer " + testKey}}
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+e.addr+"/ws/"+testKey, header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()
	waitForOwnerQueue(t, e.hub, testKey)

	publishCommandResult(t, e, testKey, "remind", "saved")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.UIEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Event != protocol.EventCommandResult || ev.Payload["result"] != "saved" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocketRejectsForeignKey(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	other := "0xcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd"
	header := http.Header{"Authorization": []string{"Bearer " + testKey}}
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+e.addr+"/ws/"+other, header)
	if err == nil {
		t.Fatal("dial should fail on key mismatch")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %+v, want 403", resp)
	}
}

func signedWriteBody(t *testing.T, overrides map[string]any, signature, key string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"overrides": overrides,
		"auth":      map[string]string{"publicKey": key, "signature": signature},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return string(body)
}

func TestSignedConfigWriteRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	priv, addr, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	overrides := map[string]any{"llm_model": "nexus-mini"}
	payload, _ := json.Marshal(overrides)
	sig := auth.Sign(priv, payload)

	body := signedWriteBody(t, overrides, sig, addr)
	resp := e.request(t, http.MethodPost, "/config", addr, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	get := e.request(t, http.MethodGet, "/config", addr, "")
	view := decodeBody(t, get)
	effective, _ := view["effective_config"].(map[string]any)
	if effective["llm_model"] != "nexus-mini" {
		t.Errorf("effective llm_model = %v", effective["llm_model"])
	}
	authored, _ := view["user_overrides"].(map[string]any)
	if authored["llm_model"] != "nexus-mini" {
		t.Errorf("user_overrides = %v", authored)
	}
}

func TestSignedWriteRejectsForgedSignature(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	priv, addr, _ := auth.GenerateKey()
	intruder, _, _ := auth.GenerateKey()

	overrides := map[string]any{"llm_model": "nexus-mini"}
	payload, _ := json.Marshal(overrides)

	t.Run("signature from another key", func(t *testing.T) {
		sig := auth.Sign(intruder, payload)
		resp := e.request(t, http.MethodPost, "/config", addr, signedWriteBody(t, overrides, sig, addr))
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("signature over different payload", func(t *testing.T) {
		tampered, _ := json.Marshal(map[string]any{"llm_model": "nexus-large"})
		sig := auth.Sign(priv, tampered)
		resp := e.request(t, http.MethodPost, "/config", addr, signedWriteBody(t, overrides, sig, addr))
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("bearer differs from signing key", func(t *testing.T) {
		sig := auth.Sign(priv, payload)
		resp := e.request(t, http.MethodPost, "/config", testKey, signedWriteBody(t, overrides, sig, addr))
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("missing auth object", func(t *testing.T) {
		resp := e.request(t, http.MethodPost, "/config", addr, `{"overrides":{"llm_model":"x"}}`)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", resp.StatusCode)
		}
	})

	// None of the rejected writes may have landed.
	get := e.request(t, http.MethodGet, "/config", addr, "")
	view := decodeBody(t, get)
	if authored, _ := view["user_overrides"].(map[string]any); len(authored) != 0 {
		t.Errorf("rejected writes changed stored overrides: %v", authored)
	}
}

func TestSignedPromptWrite(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	priv, addr, _ := auth.GenerateKey()
	overrides := map[string]any{"friends_profile": map[string]any{"content": "Loves climbing."}}
	payload, _ := json.Marshal(overrides)
	sig := auth.Sign(priv, payload)

	resp := e.request(t, http.MethodPost, "/prompts", addr, signedWriteBody(t, overrides, sig, addr))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	get := e.request(t, http.MethodGet, "/prompts", addr, "")
	view := decodeBody(t, get)
	prompts, _ := view["effective_prompts"].(map[string]any)
	fp, _ := prompts["friends_profile"].(map[string]any)
	if fp == nil || fp["content"] != "Loves climbing." {
		t.Errorf("friends_profile = %v", fp)
	}
}

func TestMessagesServesRecentHistory(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	for i := 0; i < 3; i++ {
		msg := models.NewMessage(models.NewRunID(), testKey, models.RoleHuman,
			models.TextContent(fmt.Sprintf("turn %d", i)))
		msg.Timestamp = msg.Timestamp.Add(time.Duration(i) * time.Second)
		if err := e.msgs.Insert(e.ctx, msg); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	resp := e.request(t, http.MethodGet, "/messages?limit=2", testKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	view := decodeBody(t, resp)
	msgs, _ := view["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	content, _ := first["content"].(map[string]any)
	if content["value"] != "turn 2" {
		t.Errorf("newest first = %v", content)
	}

	bad := e.request(t, http.MethodGet, "/messages?limit=zero", testKey, "")
	if bad.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad limit status = %d, want 422", bad.StatusCode)
	}
}

func TestCommandsCatalogAndHealth(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	resp := e.request(t, http.MethodGet, "/commands", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commands status = %d", resp.StatusCode)
	}
	view := decodeBody(t, resp)
	cmds, _ := view["commands"].([]any)
	if len(cmds) != 1 {
		t.Fatalf("commands = %v", view)
	}
	first, _ := cmds[0].(map[string]any)
	if first["name"] != "ping" {
		t.Errorf("command = %v", first)
	}

	health := e.request(t, http.MethodGet, "/healthz", "", "")
	if health.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", health.StatusCode)
	}
}

func TestKeyLimiter(t *testing.T) {
	l := newKeyLimiter(2)
	// Burst of 5, then the 2/min refill is far too slow for this loop.
	for i := 0; i < 5; i++ {
		if !l.allow("a") {
			t.Fatalf("call %d should pass within burst", i)
		}
	}
	if l.allow("a") {
		t.Error("burst exhausted, call should be limited")
	}
	if !l.allow("b") {
		t.Error("keys must be limited independently")
	}

	off := newKeyLimiter(0)
	for i := 0; i < 100; i++ {
		if !off.allow("a") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestHubDropsWhenRunQueueFull(t *testing.T) {
	b := bus.New(discard())
	h := NewHub(b, discard())

	q := h.RegisterRun("run_x")
	for i := 0; i < queueSize+10; i++ {
		body := protocol.UIEventBody(protocol.EventTextChunk, "run_x", map[string]any{"chunk": "x"})
		msg := models.NewMessage("run_x", testKey, models.RoleSystem, models.DataContent(body))
		h.onUIEvent(context.Background(), msg)
	}
	if len(q) != queueSize {
		t.Errorf("queue length = %d, want %d", len(q), queueSize)
	}

	// run_finished closes the queue even with a backlog.
	done := protocol.UIEventBody(protocol.EventRunFinished, "run_x", map[string]any{"status": "completed"})
	h.onUIEvent(context.Background(), models.NewMessage("run_x", testKey, models.RoleSystem, models.DataContent(done)))

	h.mu.Lock()
	_, live := h.runs["run_x"]
	h.mu.Unlock()
	if live {
		t.Error("run queue should be unregistered after run_finished")
	}
	h.UnregisterRun("run_x") // double unregister is a no-op
}
