package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

const (
	defaultHistorySize       = 20
	defaultMaxToolIterations = 5
	defaultLearningThreshold = 20
	defaultLearningSchedule  = "0 * * * *"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	enabled := true
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8420,
		},
		Memory: MemoryConfig{
			HistoryContextSize: defaultHistorySize,
			Learning: LearningConfig{
				Enabled:        &enabled,
				ThresholdTurns: defaultLearningThreshold,
				LLMModel:       "system",
				Schedule:       defaultLearningSchedule,
			},
		},
		System: SystemConfig{
			MaxToolIterations: defaultMaxToolIterations,
		},
		LLM: LLMConfig{
			Providers: map[string]ProviderConfig{},
			Catalog:   map[string]CatalogEntry{},
		},
		UserDefaults: UserDefaults{
			Config: map[string]any{},
			Prompts: map[string]PromptDefault{
				"friends_profile": {Content: "", Editable: true, Order: 1},
			},
		},
		UI: UIConfig{
			EditableFields: []string{"friends_profile"},
			FieldOptions:   map[string][]string{},
		},
		Storage: StorageConfig{
			Backend:       "sqlite",
			SQLitePath:    "~/.nexus/nexus.db",
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "nexus",
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo:    DuckDuckGoConfig{Enabled: true, MaxResults: 5},
				FetchMaxBytes: 512 * 1024,
			},
		},
		RateLimit: RateLimitConfig{
			ChatPerMinute:  20,
			WritePerMinute: 10,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "nexus",
			SampleRate:  1,
		},
	}
}

// Load reads config from a json5 file, interpolates ${NAME} environment
// references in string values, then overlays env vars. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse into a raw document first so interpolation reaches every
	// string value regardless of where it sits in the tree.
	raw := map[string]any{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	interpolated, err := json.Marshal(interpolateEnv(raw))
	if err != nil {
		return nil, fmt.Errorf("interpolate config: %w", err)
	}
	if err := json.Unmarshal(interpolated, cfg); err != nil {
		return nil, fmt.Errorf("apply config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv walks the raw document and replaces ${NAME} references in
// string values with the process environment. References to unset
// variables pass through unchanged.
func interpolateEnv(v any) any {
	switch t := v.(type) {
	case string:
		return envRefPattern.ReplaceAllStringFunc(t, func(ref string) string {
			name := ref[2 : len(ref)-1]
			if val, ok := os.LookupEnv(name); ok {
				return val
			}
			return ref
		})
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = interpolateEnv(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = interpolateEnv(vv)
		}
		return out
	default:
		return v
	}
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("NEXUS_ENV", &c.Environment)
	envStr("NEXUS_HOST", &c.Server.Host)
	if v := os.Getenv("NEXUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	// Storage
	envStr("NEXUS_STORAGE_BACKEND", &c.Storage.Backend)
	envStr("NEXUS_MONGO_URI", &c.Storage.MongoURI)
	envStr("NEXUS_MONGO_DATABASE", &c.Storage.MongoDatabase)
	envStr("NEXUS_SQLITE_PATH", &c.Storage.SQLitePath)
	envStr("NEXUS_POSTGRES_DSN", &c.Storage.PostgresDSN)

	// Provider API keys: NEXUS_<NAME>_API_KEY overrides the file value.
	for name, pc := range c.LLM.Providers {
		key := "NEXUS_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			pc.APIKey = v
			c.LLM.Providers[name] = pc
		}
	}

	// Web tool keys
	envStr("NEXUS_BRAVE_API_KEY", &c.Tools.Web.Brave.APIKey)

	// Telemetry
	envStr("NEXUS_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NEXUS_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("NEXUS_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("NEXUS_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NEXUS_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("NEXUS_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("NEXUS_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("NEXUS_TSNET_DIR", &c.Tailscale.StateDir)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked. Used by diagnostics output to avoid exposing credentials.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	for name, pc := range cp.LLM.Providers {
		maskNonEmpty(&pc.APIKey)
		cp.LLM.Providers[name] = pc
	}
	maskNonEmpty(&cp.Tools.Web.Brave.APIKey)
	maskNonEmpty(&cp.Storage.MongoURI)
	maskNonEmpty(&cp.Tailscale.AuthKey)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
