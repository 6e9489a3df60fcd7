package identity

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/store"
)

// PromptLayer is one effective prompt section: content after override
// substitution, editability and ordering as the defaults declare them.
type PromptLayer struct {
	Content  string `json:"content"`
	Editable bool   `json:"editable"`
	Order    int    `json:"order"`
}

// Overrides echoes the member's raw authored state so clients can tell
// authored values apart from defaults.
type Overrides struct {
	Config  map[string]any `json:"config"`
	Prompts map[string]any `json:"prompts"`
}

// Profile is the merged view served by the config and prompts
// endpoints.
type Profile struct {
	EffectiveConfig  map[string]any         `json:"effective_config"`
	EffectivePrompts map[string]PromptLayer `json:"effective_prompts"`
	UserOverrides    Overrides              `json:"user_overrides"`
	EditableFields   []string               `json:"editable_fields"`
	FieldOptions     map[string][]string    `json:"field_options"`
}

// EffectiveProfile merges the member's overrides onto the system
// defaults. Config overrides replace whole top-level keys. Prompt
// overrides substitute content only. Unknown keys get the bare
// defaults.
func (s *Service) EffectiveProfile(ctx context.Context, key string) *Profile {
	defaults := s.cfg.UserDefaultsCopy()
	fields, options := s.cfg.UIHints()

	p := &Profile{
		EffectiveConfig:  defaults.Config,
		EffectivePrompts: make(map[string]PromptLayer, len(defaults.Prompts)),
		UserOverrides: Overrides{
			Config:  map[string]any{},
			Prompts: map[string]any{},
		},
		EditableFields: fields,
		FieldOptions:   options,
	}
	maxOrder := 0
	for name, d := range defaults.Prompts {
		p.EffectivePrompts[name] = PromptLayer{
			Content:  d.Content,
			Editable: d.Editable,
			Order:    d.Order,
		}
		if d.Order > maxOrder {
			maxOrder = d.Order
		}
	}

	rec := s.Get(ctx, key)
	if rec == nil {
		return p
	}
	for k, v := range rec.ConfigOverrides {
		p.EffectiveConfig[k] = v
		p.UserOverrides.Config[k] = v
	}
	for k, v := range rec.PromptOverrides {
		p.UserOverrides.Prompts[k] = v
		layer, ok := p.EffectivePrompts[k]
		if !ok {
			// A layer the defaults never declared: editable, ordered
			// after the defaults block.
			layer = PromptLayer{Editable: true, Order: maxOrder + 1}
		}
		if content, found := OverrideContent(v); found {
			layer.Content = content
		}
		p.EffectivePrompts[k] = layer
	}
	return p
}

// OverrideContent extracts the authored text from a prompt override,
// stored either as a plain string or as an object with a "content"
// field.
func OverrideContent(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case map[string]any:
		if c, ok := t["content"].(string); ok {
			return c, true
		}
	}
	return "", false
}

// RunProfile is the user_profile payload injected into run metadata
// when the orchestrator admits a member.
func RunProfile(rec *store.IdentityRecord) map[string]any {
	if rec == nil {
		return nil
	}
	return map[string]any{
		"public_key":       rec.PublicKey,
		"created_at":       rec.CreatedAt.UTC().Format(time.RFC3339),
		"metadata":         rec.Metadata,
		"config_overrides": rec.ConfigOverrides,
		"prompt_overrides": rec.PromptOverrides,
	}
}
