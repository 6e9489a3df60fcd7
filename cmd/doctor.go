package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nexus/internal/config"
)

func doctorCmd() *cobra.Command {
	var dumpConfig bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(dumpConfig)
		},
	}
	cmd.Flags().BoolVar(&dumpConfig, "dump-config", false, "print the effective config with secrets masked")
	return cmd
}

func runDoctor(dumpConfig bool) {
	fmt.Println("nexus doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Storage
	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "Backend:", cfg.Storage.Backend)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stores, storeErr := openStores(ctx, cfg)
	if storeErr != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", storeErr)
	} else {
		if pingErr := stores.Ping(ctx); pingErr != nil {
			fmt.Printf("    %-12s PING FAILED (%s)\n", "Status:", pingErr)
		} else {
			fmt.Printf("    %-12s OK\n", "Status:")
		}
		stores.Close(ctx)
	}

	// Providers
	fmt.Println()
	fmt.Println("  Providers:")
	names := cfg.ProviderNames()
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, name := range names {
		pc, _ := cfg.Provider(name)
		checkProviderKey(name, pc.APIKey)
	}

	// Model routing
	fmt.Println()
	fmt.Println("  Models:")
	fmt.Printf("    %-12s %s\n", "Default:", orUnset(cfg.DefaultModelName()))
	catalog := make([]string, 0, len(cfg.LLM.Catalog))
	for name := range cfg.LLM.Catalog {
		catalog = append(catalog, name)
	}
	sort.Strings(catalog)
	for _, name := range catalog {
		entry := cfg.LLM.Catalog[name]
		fmt.Printf("    %-12s %s/%s\n", name+":", entry.Provider, entry.ID)
	}
	if len(catalog) == 0 {
		fmt.Println("    (catalog empty)")
	}

	// Background learning
	fmt.Println()
	if cfg.LearningEnabled() {
		fmt.Printf("  Learning:  enabled (threshold %d turns, sweep %q, model %s)\n",
			cfg.LearningThreshold(), cfg.LearningSchedule(), cfg.LearningModelMode())
	} else {
		fmt.Println("  Learning:  disabled")
	}

	// Telemetry
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint != "" {
		fmt.Printf("  Telemetry: %s (%s)\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	} else {
		fmt.Println("  Telemetry: disabled")
	}

	if dumpConfig {
		fmt.Println()
		fmt.Println("  Effective config (secrets masked):")
		data, err := json.MarshalIndent(cfg.MaskedCopy(), "    ", "  ")
		if err == nil {
			fmt.Println("    " + string(data))
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProviderKey(name, apiKey string) {
	switch {
	case apiKey == "":
		fmt.Printf("    %-12s (no API key)\n", name+":")
	case len(apiKey) <= 8:
		fmt.Printf("    %-12s %s\n", name+":", strings.Repeat("*", len(apiKey)))
	default:
		masked := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		fmt.Printf("    %-12s %s\n", name+":", masked)
	}
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
