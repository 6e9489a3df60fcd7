package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/pkg/protocol"
)

// maxChatBody caps a chat request body.
const maxChatBody = 64 << 10

// keepaliveInterval is how long an SSE stream may idle before a comment
// frame goes out.
const keepaliveInterval = 15 * time.Second

type chatRequest struct {
	UserInput            string `json:"user_input"`
	ClientTimestampUTC   string `json:"client_timestamp_utc,omitempty"`
	ClientTimezoneOffset *int   `json:"client_timezone_offset,omitempty"`
}

// handleChat turns one user input into a streamed run. Input starting
// with "/" short-circuits into the command path: same response shape,
// no LLM involved.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "malformed request body"})
		return
	}
	input := strings.TrimSpace(req.UserInput)
	if input == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "user_input is required"})
		return
	}

	key := ownerKey(r)
	if strings.HasPrefix(input, "/") {
		s.serveCommand(w, r, key, input)
		return
	}

	run := models.NewRun(key)
	if req.ClientTimestampUTC != "" {
		run.Metadata[models.MetaClientTimestamp] = req.ClientTimestampUTC
	}
	if req.ClientTimezoneOffset != nil {
		run.Metadata[models.MetaTimezoneOffset] = *req.ClientTimezoneOffset
	}
	run.Append(models.NewMessage(run.ID, key, models.RoleHuman, models.TextContent(input)))

	// Queue first, publish second: the run's first event must find the
	// queue already registered.
	queue := s.hub.RegisterRun(run.ID)
	defer s.hub.UnregisterRun(run.ID)

	msg := models.NewMessage(run.ID, key, models.RoleHuman, models.RunContent(run))
	if err := s.bus.Publish(r.Context(), bus.TopicRunsNew, msg); err != nil {
		s.log.Error("runs.new publish failed", "run_id", run.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start run"})
		return
	}

	s.streamEvents(w, r, queue, protocol.EventRunFinished)
}

// serveCommand publishes a system.command under a synthetic run id and
// streams the command_result back on the same response.
func (s *Server) serveCommand(w http.ResponseWriter, r *http.Request, key, input string) {
	name, args, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")

	runID := models.NewRunID()
	queue := s.hub.RegisterRun(runID)
	defer s.hub.UnregisterRun(runID)

	msg := models.NewMessage(runID, key, models.RoleCommand, models.DataContent(map[string]any{
		"command":       name,
		"args":          strings.TrimSpace(args),
		"original_text": input,
	}))
	if err := s.bus.Publish(r.Context(), bus.TopicSystemCommand, msg); err != nil {
		s.log.Error("system.command publish failed", "command", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to dispatch command"})
		return
	}

	s.streamEvents(w, r, queue, protocol.EventCommandResult)
}

// streamEvents writes queue frames as SSE until the terminal event goes
// out, the queue closes, or the client leaves. A client disconnect only
// stops delivery; the work behind the queue carries on.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, queue <-chan protocol.UIEvent, until string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Initial comment so EventSource fires onopen.
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-queue:
			if !ok {
				return
			}
			writeEvent(w, event)
			flusher.Flush()
			if event.Event == until {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event protocol.UIEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, data)
}
