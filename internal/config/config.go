// Package config holds the process configuration: the recognized key
// surface, json5 loading with environment interpolation, and snapshot
// accessors safe for concurrent readers.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Config is the root configuration for the Nexus orchestrator.
type Config struct {
	Environment  string          `json:"environment,omitempty"`
	Server       ServerConfig    `json:"server"`
	Memory       MemoryConfig    `json:"memory"`
	System       SystemConfig    `json:"system"`
	LLM          LLMConfig       `json:"llm"`
	UserDefaults UserDefaults    `json:"user_defaults"`
	UI           UIConfig        `json:"ui,omitempty"`
	Storage      StorageConfig   `json:"storage"`
	Tools        ToolsConfig     `json:"tools,omitempty"`
	RateLimit    RateLimitConfig `json:"ratelimit,omitempty"`
	Telemetry    TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale    TailscaleConfig `json:"tailscale,omitempty"`
	mu           sync.RWMutex
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// MemoryConfig configures conversation memory.
type MemoryConfig struct {
	HistoryContextSize int            `json:"history_context_size,omitempty"` // prompt history window (default 20)
	Learning           LearningConfig `json:"learning,omitempty"`
}

// LearningConfig configures the background friend-profile refresher.
type LearningConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`         // default true (nil = enabled)
	ThresholdTurns int    `json:"threshold_turns,omitempty"` // turns between refreshes (default 20)
	LLMModel       string `json:"llm_model,omitempty"`       // "system" (default) or "user"
	Schedule       string `json:"schedule,omitempty"`        // cron expression for the sweep (default hourly)
}

// SystemConfig holds orchestrator safety limits.
type SystemConfig struct {
	MaxToolIterations int `json:"max_tool_iterations,omitempty"` // agentic loop cap (default 5)
}

// LLMConfig routes friendly model names to providers.
type LLMConfig struct {
	Providers    map[string]ProviderConfig `json:"providers,omitempty"`
	Catalog      map[string]CatalogEntry   `json:"catalog,omitempty"`
	DefaultModel string                    `json:"default_model,omitempty"` // friendly catalog name
}

// ProviderConfig holds per-provider credentials.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// CatalogEntry maps a friendly model name to a provider and its model id.
type CatalogEntry struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// UserDefaults are the system-level defaults merged under every member's
// overrides to form the effective profile.
type UserDefaults struct {
	Config  map[string]any           `json:"config,omitempty"`
	Prompts map[string]PromptDefault `json:"prompts,omitempty"`
}

// PromptDefault is one default prompt layer. Overrides substitute Content;
// Editable and Order always come from the default.
type PromptDefault struct {
	Content  string `json:"content"`
	Editable bool   `json:"editable"`
	Order    int    `json:"order"`
}

// UIConfig carries client rendering hints surfaced through REST.
type UIConfig struct {
	EditableFields []string            `json:"editable_fields,omitempty"`
	FieldOptions   map[string][]string `json:"field_options,omitempty"`
}

// StorageConfig selects and configures the persistence backend.
// PostgresDSN is never read from the config file, only from env
// NEXUS_POSTGRES_DSN.
type StorageConfig struct {
	Backend       string `json:"backend,omitempty"` // "mongo", "sqlite", "postgres", "memory"
	MongoURI      string `json:"mongo_uri,omitempty"`
	MongoDatabase string `json:"mongo_database,omitempty"`
	SQLitePath    string `json:"sqlite_path,omitempty"`
	PostgresDSN   string `json:"-"`
}

// ToolsConfig configures builtin tools.
type ToolsConfig struct {
	Web WebToolsConfig `json:"web,omitempty"`
}

// WebToolsConfig configures the web_search and web_fetch builtins.
type WebToolsConfig struct {
	Brave         BraveConfig      `json:"brave,omitempty"`
	DuckDuckGo    DuckDuckGoConfig `json:"duckduckgo,omitempty"`
	FetchMaxBytes int              `json:"fetch_max_bytes,omitempty"` // default 512 KiB
}

// BraveConfig configures the Brave search provider.
type BraveConfig struct {
	APIKey     string `json:"api_key,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

// DuckDuckGoConfig configures the DuckDuckGo fallback provider.
type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled,omitempty"`
	MaxResults int  `json:"max_results,omitempty"`
}

// RateLimitConfig throttles the public endpoints per owner key.
type RateLimitConfig struct {
	ChatPerMinute  int `json:"chat_per_minute,omitempty"`  // default 20
	WritePerMinute int `json:"write_per_minute,omitempty"` // default 10
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plain-text exporter for local dev
	ServiceName string            `json:"service_name,omitempty"` // default "nexus"
	SampleRate  float64           `json:"sample_rate,omitempty"`  // 0..1, default 1
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env NEXUS_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// HistoryContextSize returns the prompt history window.
func (c *Config) HistoryContextSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Memory.HistoryContextSize <= 0 {
		return defaultHistorySize
	}
	return c.Memory.HistoryContextSize
}

// MaxToolIterations returns the agentic loop cap.
func (c *Config) MaxToolIterations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.System.MaxToolIterations <= 0 {
		return defaultMaxToolIterations
	}
	return c.System.MaxToolIterations
}

// LearningEnabled reports whether the background profile refresher runs.
func (c *Config) LearningEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Memory.Learning.Enabled == nil || *c.Memory.Learning.Enabled
}

// LearningThreshold returns the turn count between profile refreshes.
func (c *Config) LearningThreshold() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Memory.Learning.ThresholdTurns <= 0 {
		return defaultLearningThreshold
	}
	return c.Memory.Learning.ThresholdTurns
}

// LearningModelMode returns "system" or "user".
func (c *Config) LearningModelMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Memory.Learning.LLMModel == "user" {
		return "user"
	}
	return "system"
}

// LearningSchedule returns the cron expression for the learning sweep.
func (c *Config) LearningSchedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Memory.Learning.Schedule == "" {
		return defaultLearningSchedule
	}
	return c.Memory.Learning.Schedule
}

// ResolveModel looks up a friendly model name in the catalog.
func (c *Config) ResolveModel(name string) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.LLM.Catalog[name]
	return entry, ok
}

// Provider returns the credentials for a named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pc, ok := c.LLM.Providers[name]
	return pc, ok
}

// ProviderNames returns the configured provider names.
func (c *Config) ProviderNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.LLM.Providers))
	for name := range c.LLM.Providers {
		names = append(names, name)
	}
	return names
}

// DefaultModelName returns the system-wide friendly model name.
func (c *Config) DefaultModelName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LLM.DefaultModel
}

// WebTools returns the web_search and web_fetch settings.
func (c *Config) WebTools() WebToolsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Tools.Web
}

// UserDefaultsCopy returns a deep copy of the per-user defaults so callers
// can merge without aliasing the live config.
func (c *Config) UserDefaultsCopy() UserDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := UserDefaults{
		Config:  make(map[string]any, len(c.UserDefaults.Config)),
		Prompts: make(map[string]PromptDefault, len(c.UserDefaults.Prompts)),
	}
	for k, v := range c.UserDefaults.Config {
		out.Config[k] = deepCopyValue(v)
	}
	for k, v := range c.UserDefaults.Prompts {
		out.Prompts[k] = v
	}
	return out
}

// UIHints returns the editable fields list and the field options map.
func (c *Config) UIHints() ([]string, map[string][]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fields := make([]string, len(c.UI.EditableFields))
	copy(fields, c.UI.EditableFields)
	options := make(map[string][]string, len(c.UI.FieldOptions))
	for k, v := range c.UI.FieldOptions {
		vv := make([]string, len(v))
		copy(vv, v)
		options[k] = vv
	}
	return fields, options
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the file watcher to swap a freshly loaded config in place.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Environment = src.Environment
	c.Server = src.Server
	c.Memory = src.Memory
	c.System = src.System
	c.LLM = src.LLM
	c.UserDefaults = src.UserDefaults
	c.UI = src.UI
	c.Storage = src.Storage
	c.Tools = src.Tools
	c.RateLimit = src.RateLimit
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// Document returns the config as a plain map, the shape stored as the
// per-environment configuration document.
func (c *Config) Document() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return map[string]any{}
	}
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]any{}
	}
	return doc
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = deepCopyValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = deepCopyValue(vv)
		}
		return s
	default:
		return v
	}
}
