// Package gateway is the HTTP boundary: chat streaming over SSE, the
// persistent owner streams (SSE and WebSocket), the profile read/write
// surface, and command metadata. Everything behind it speaks the bus.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/commands"
	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/identity"
	"github.com/nextlevelbuilder/nexus/internal/models"
)

// HistorySource serves bounded past messages, newest first.
type HistorySource interface {
	History(ctx context.Context, ownerKey string, limit int) []models.Message
}

// Server terminates the user-facing HTTP protocol.
type Server struct {
	cfg        *config.Config
	bus        *bus.Bus
	hub        *Hub
	identities *identity.Service
	history    HistorySource
	commands   *commands.Registry
	log        *slog.Logger

	chatLimiter  *keyLimiter
	writeLimiter *keyLimiter

	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, b *bus.Bus, hub *Hub, identities *identity.Service, history HistorySource, cmds *commands.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:          cfg,
		bus:          b,
		hub:          hub,
		identities:   identities,
		history:      history,
		commands:     cmds,
		log:          log.With("service", "gateway"),
		chatLimiter:  newKeyLimiter(cfg.RateLimit.ChatPerMinute),
		writeLimiter: newKeyLimiter(cfg.RateLimit.WritePerMinute),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Clients are CLIs and SDKs carrying a bearer key; browser
		// origin checks add nothing here.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if you need the mux for additional listeners
// (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.auth(s.limit(s.chatLimiter, s.handleChat)))
	mux.HandleFunc("GET /stream/{public_key}", s.auth(s.handleStream))
	mux.HandleFunc("GET /ws/{public_key}", s.auth(s.handleWS))

	mux.HandleFunc("GET /commands", s.handleCommands)
	mux.HandleFunc("GET /config", s.auth(s.handleGetConfig))
	mux.HandleFunc("POST /config", s.auth(s.limit(s.writeLimiter, s.handlePostConfig)))
	mux.HandleFunc("GET /prompts", s.auth(s.handleGetPrompts))
	mux.HandleFunc("POST /prompts", s.auth(s.limit(s.writeLimiter, s.handlePostPrompts)))
	mux.HandleFunc("GET /messages", s.auth(s.handleMessages))

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux = mux
	return mux
}

// Start begins serving and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.instrument(mux),
	}

	s.log.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": s.commands.Descriptors()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StartTestServer creates a listener on :0 (random port) and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: s.instrument(mux)}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
