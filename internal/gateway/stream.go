package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// handleStream serves the persistent per-owner SSE feed of command
// results. The path key must be the caller's own.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathOwner(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	queue := s.hub.RegisterOwner(key)
	if queue == nil {
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.UnregisterOwner(key, queue)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

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
		}
	}
}

// handleWS mirrors the owner stream over a WebSocket: the same frames,
// JSON-encoded one per message.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathOwner(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	queue := s.hub.RegisterOwner(key)
	if queue == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many subscribers"),
			time.Now().Add(time.Second))
		return
	}
	defer s.hub.UnregisterOwner(key, queue)

	// Read pump exists only to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case event, ok := <-queue:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

// pathOwner checks the {public_key} path segment against the bearer.
// Yields 403 and false on mismatch.
func (s *Server) pathOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := ownerKey(r)
	if pathKey := r.PathValue("public_key"); !equalKeys(pathKey, key) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "key mismatch"})
		return "", false
	}
	return key, true
}
