package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nexus/internal/config"
)

// modelHints seed the wizard's model field per provider.
var modelHints = map[string]string{
	"openai":     "gpt-4o",
	"openrouter": "anthropic/claude-sonnet-4",
	"deepseek":   "deepseek-chat",
	"google":     "gemini-2.5-flash",
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	var (
		environment = "development"
		backend     = "sqlite"
		provider    = "openai"
	)
	setup := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Environment").
				Options(huh.NewOptions("development", "production")...).
				Value(&environment),
			huh.NewSelect[string]().
				Title("Storage backend").
				Options(
					huh.NewOption("SQLite (single file, zero setup)", "sqlite"),
					huh.NewOption("MongoDB", "mongo"),
					huh.NewOption("PostgreSQL (DSN from env, run `nexus migrate up`)", "postgres"),
					huh.NewOption("In-memory (nothing survives a restart)", "memory"),
				).
				Value(&backend),
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
					huh.NewOption("DeepSeek", "deepseek"),
					huh.NewOption("Google Gemini", "google"),
				).
				Value(&provider),
		),
	)
	if err := setup.Run(); err != nil {
		return err
	}

	var (
		apiKey  string
		modelID = modelHints[provider]
		portStr = strconv.Itoa(config.Default().Server.Port)
	)
	details := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("%s API key", provider)).
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Model id").
				Description("The provider-side model the default route points at.").
				Value(&modelID),
			huh.NewInput().
				Title("Gateway port").
				Value(&portStr).
				Validate(func(s string) error {
					p, err := strconv.Atoi(s)
					if err != nil || p < 1 || p > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}),
		),
	)
	if err := details.Run(); err != nil {
		return err
	}
	port, _ := strconv.Atoi(portStr)

	if err := writeInitialConfig(cfgPath, environment, backend, provider, apiKey, modelID, port); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n\n", cfgPath)
	if backend == "postgres" {
		fmt.Println("Next steps:")
		fmt.Println("  export NEXUS_POSTGRES_DSN=postgres://...")
		fmt.Println("  nexus migrate up")
		fmt.Println("  nexus serve")
	} else {
		fmt.Println("Next step:  nexus serve")
	}
	return nil
}

// writeInitialConfig emits a minimal config document: only the sections
// the wizard touched, defaults fill the rest at load time.
func writeInitialConfig(path, environment, backend, provider, apiKey, modelID string, port int) error {
	defaults := config.Default()

	providerDoc := map[string]any{}
	if apiKey != "" {
		providerDoc["api_key"] = apiKey
	}

	storage := map[string]any{"backend": backend}
	switch backend {
	case "sqlite":
		storage["sqlite_path"] = defaults.Storage.SQLitePath
	case "mongo":
		storage["mongo_uri"] = defaults.Storage.MongoURI
		storage["mongo_database"] = defaults.Storage.MongoDatabase
	}

	root := map[string]any{
		"environment": environment,
		"server": map[string]any{
			"host": defaults.Server.Host,
			"port": port,
		},
		"storage": storage,
		"llm": map[string]any{
			"providers": map[string]any{provider: providerDoc},
			"catalog": map[string]any{
				"default": map[string]any{"provider": provider, "id": modelID},
			},
			"default_model": "default",
		},
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}

	path = config.ExpandHome(path)
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	// The API key lives in this file; keep it owner-readable only.
	return os.WriteFile(path, data, 0600)
}
