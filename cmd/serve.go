package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/commands"
	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/gateway"
	"github.com/nextlevelbuilder/nexus/internal/identity"
	"github.com/nextlevelbuilder/nexus/internal/learning"
	"github.com/nextlevelbuilder/nexus/internal/llm"
	"github.com/nextlevelbuilder/nexus/internal/orchestrator"
	"github.com/nextlevelbuilder/nexus/internal/persistence"
	"github.com/nextlevelbuilder/nexus/internal/prompt"
	"github.com/nextlevelbuilder/nexus/internal/store"
	"github.com/nextlevelbuilder/nexus/internal/store/memory"
	"github.com/nextlevelbuilder/nexus/internal/store/mongo"
	"github.com/nextlevelbuilder/nexus/internal/store/pg"
	"github.com/nextlevelbuilder/nexus/internal/store/sqlite"
	"github.com/nextlevelbuilder/nexus/internal/telemetry"
	"github.com/nextlevelbuilder/nexus/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and all bus services",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live reload: edits to the config file swap the snapshot in place.
	if err := config.Watch(ctx, cfgPath, cfg, nil); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := stores.Close(closeCtx); err != nil {
			slog.Warn("storage close", "error", err)
		}
	}()

	// Record the effective config document under its environment so
	// operators can inspect what this process actually runs with.
	if err := stores.Configs.Put(ctx, cfg.Environment, cfg.Document()); err != nil {
		slog.Warn("config document upsert failed", "environment", cfg.Environment, "error", err)
	}

	msgBus := bus.New(nil)

	identities := identity.NewService(stores.Identities, cfg, nil)

	recorder := persistence.NewRecorder(msgBus, stores.Messages, identities, nil)
	recorder.Register()

	toolsReg := tools.NewRegistry()
	registerBuiltinTools(toolsReg, cfg)

	prompt.NewBuilder(msgBus, cfg, recorder, toolsReg, nil).Register()

	llmSvc := llm.NewService(msgBus, cfg, nil)
	llmSvc.Register()

	tools.NewExecutor(msgBus, toolsReg, nil).Register()

	orchestrator.NewService(msgBus, cfg, identities, nil).Register()

	cmdReg := commands.NewRegistry()
	if err := commands.RegisterBuiltins(cmdReg, identities); err != nil {
		slog.Error("builtin command registration failed", "error", err)
		os.Exit(1)
	}
	commands.NewService(msgBus, cmdReg, nil).Register()

	hub := gateway.NewHub(msgBus, nil)
	hub.Register()

	learner := learning.NewService(msgBus, cfg, identities, stores.Messages, llmSvc, nil)
	learner.Register()

	server := gateway.NewServer(cfg, msgBus, hub, identities, recorder, cmdReg, nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("nexus starting",
		"version", Version,
		"environment", cfg.Environment,
		"storage", cfg.Storage.Backend,
		"providers", cfg.ProviderNames(),
		"tools", toolsReg.Names(),
	)

	// Tailscale listener: build the mux first, then pass it to initTailscale
	// so the same routes are served on both the main listener and the tailnet.
	// Compiled via build tags: `go build -tags tsnet` to enable.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return msgBus.Run(runCtx) })
	g.Go(func() error { return learner.Run(runCtx) })
	g.Go(func() error { return server.Start(runCtx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// openStores selects the persistence backend from storage.backend.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	switch cfg.Storage.Backend {
	case "mongo":
		return mongo.Open(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase)
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, errors.New("storage.backend=postgres requires NEXUS_POSTGRES_DSN")
		}
		return pg.Open(cfg.Storage.PostgresDSN)
	case "memory":
		return memory.NewStores(), nil
	case "", "sqlite":
		return sqlite.Open(config.ExpandHome(cfg.Storage.SQLitePath))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// registerBuiltinTools installs the web tools. NewWebSearchTool returns nil
// when no search provider is usable, in which case search is simply absent
// from the catalog.
func registerBuiltinTools(reg *tools.Registry, cfg *config.Config) {
	web := cfg.WebTools()

	maxResults := web.Brave.MaxResults
	if web.Brave.APIKey == "" {
		maxResults = web.DuckDuckGo.MaxResults
	}
	if search := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey: web.Brave.APIKey,
		DDGEnabled:  web.DuckDuckGo.Enabled,
		MaxResults:  maxResults,
	}); search != nil {
		reg.Register(search)
	}
	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{
		MaxBytes: web.FetchMaxBytes,
	}))
}
