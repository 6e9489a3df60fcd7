package identity

import (
	"context"
	"log/slog"
	"testing"

	"github.com/nextlevelbuilder/nexus/internal/config"
	"github.com/nextlevelbuilder/nexus/internal/store/memory"
)

const testKey = "0x1234567890abcdef1234567890abcdef12345678"

func testService() *Service {
	cfg := config.Default()
	cfg.UserDefaults = config.UserDefaults{
		Config: map[string]any{"llm_model": "system"},
		Prompts: map[string]config.PromptDefault{
			"friends_profile": {Content: "A new friend.", Editable: true, Order: 1},
			"core_identity":   {Content: "You are Nexus.", Editable: false, Order: 0},
		},
	}
	cfg.UI.EditableFields = []string{"friends_profile"}
	cfg.UI.FieldOptions = map[string][]string{"llm_model": {"system", "user"}}

	stores := memory.NewStores()
	return NewService(stores.Identities, cfg, slog.New(slog.DiscardHandler))
}

func TestGetOrCreateFirstContact(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	if rec := svc.Get(ctx, testKey); rec != nil {
		t.Fatalf("expected no record before first contact, got %+v", rec)
	}

	rec, created := svc.GetOrCreate(ctx, testKey)
	if rec == nil {
		t.Fatal("expected a record after first contact")
	}
	if !created {
		t.Error("first contact should report created=true")
	}
	if rec.PublicKey != testKey {
		t.Errorf("public key = %q, want %q", rec.PublicKey, testKey)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}
	if len(rec.ConfigOverrides) != 0 || len(rec.PromptOverrides) != 0 {
		t.Errorf("fresh record should have empty overrides, got %+v / %+v",
			rec.ConfigOverrides, rec.PromptOverrides)
	}

	again, created := svc.GetOrCreate(ctx, testKey)
	if again == nil || created {
		t.Errorf("second contact: rec=%v created=%v, want existing record and created=false", again, created)
	}
}

func TestCreateDuplicateReturnsFalse(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	if !svc.Create(ctx, testKey, map[string]any{"source": "chat"}) {
		t.Fatal("first create should succeed")
	}
	if svc.Create(ctx, testKey, nil) {
		t.Error("duplicate create should return false")
	}
}

func TestEffectiveProfileDefaultsForVisitor(t *testing.T) {
	svc := testService()

	p := svc.EffectiveProfile(context.Background(), testKey)
	if got := p.EffectiveConfig["llm_model"]; got != "system" {
		t.Errorf("llm_model = %v, want system default", got)
	}
	layer, ok := p.EffectivePrompts["friends_profile"]
	if !ok {
		t.Fatal("friends_profile layer missing")
	}
	if layer.Content != "A new friend." || !layer.Editable || layer.Order != 1 {
		t.Errorf("friends_profile layer = %+v, want default content/editable/order", layer)
	}
	if len(p.UserOverrides.Config) != 0 || len(p.UserOverrides.Prompts) != 0 {
		t.Errorf("visitor should have no overrides, got %+v", p.UserOverrides)
	}
	if len(p.EditableFields) != 1 || p.EditableFields[0] != "friends_profile" {
		t.Errorf("editable fields = %v", p.EditableFields)
	}
}

func TestEffectiveProfileMergesOverrides(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	if err := svc.UpdateConfigOverrides(ctx, testKey, map[string]any{"llm_model": "user"}); err != nil {
		t.Fatalf("update config overrides: %v", err)
	}
	if err := svc.UpdatePromptOverrides(ctx, testKey, map[string]any{"friends_profile": "Writes Go all day."}); err != nil {
		t.Fatalf("update prompt overrides: %v", err)
	}

	p := svc.EffectiveProfile(ctx, testKey)
	if got := p.EffectiveConfig["llm_model"]; got != "user" {
		t.Errorf("llm_model = %v, want override value", got)
	}
	layer := p.EffectivePrompts["friends_profile"]
	if layer.Content != "Writes Go all day." {
		t.Errorf("friends_profile content = %q, want override", layer.Content)
	}
	if !layer.Editable || layer.Order != 1 {
		t.Errorf("friends_profile kept wrong metadata: %+v", layer)
	}
	// Untouched layers stay at defaults.
	if core := p.EffectivePrompts["core_identity"]; core.Content != "You are Nexus." || core.Editable {
		t.Errorf("core_identity layer = %+v, want untouched default", core)
	}
	if got := p.UserOverrides.Prompts["friends_profile"]; got != "Writes Go all day." {
		t.Errorf("user overrides echo = %v", got)
	}
}

func TestEffectiveProfileObjectFormOverride(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	override := map[string]any{
		"friends_profile": map[string]any{"content": "Prefers short answers."},
	}
	if err := svc.UpdatePromptOverrides(ctx, testKey, override); err != nil {
		t.Fatalf("update prompt overrides: %v", err)
	}

	p := svc.EffectiveProfile(ctx, testKey)
	if got := p.EffectivePrompts["friends_profile"].Content; got != "Prefers short answers." {
		t.Errorf("content = %q, want object-form override", got)
	}
}

func TestUpdateReplacesWholeField(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	if err := svc.UpdateConfigOverrides(ctx, testKey, map[string]any{"a": "1", "b": "2"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.UpdateConfigOverrides(ctx, testKey, map[string]any{"b": "3"}); err != nil {
		t.Fatal(err)
	}

	rec := svc.Get(ctx, testKey)
	if rec == nil {
		t.Fatal("record missing after updates")
	}
	if _, ok := rec.ConfigOverrides["a"]; ok {
		t.Error("replacement should drop keys absent from the new map")
	}
	if rec.ConfigOverrides["b"] != "3" {
		t.Errorf("b = %v, want 3", rec.ConfigOverrides["b"])
	}
}

func TestUpdateCreatesRecordOnFirstContact(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	if err := svc.UpdatePromptOverrides(ctx, testKey, map[string]any{"friends_profile": "hi"}); err != nil {
		t.Fatalf("update on unseen key: %v", err)
	}
	if rec := svc.Get(ctx, testKey); rec == nil {
		t.Error("update should create the record on first contact")
	}
}

func TestRunProfileShape(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	rec, _ := svc.GetOrCreate(ctx, testKey)
	profile := RunProfile(rec)
	if profile["public_key"] != testKey {
		t.Errorf("public_key = %v", profile["public_key"])
	}
	if _, ok := profile["created_at"].(string); !ok {
		t.Errorf("created_at should be a string, got %T", profile["created_at"])
	}
	if _, ok := profile["prompt_overrides"].(map[string]any); !ok {
		t.Errorf("prompt_overrides should be a map, got %T", profile["prompt_overrides"])
	}
	if RunProfile(nil) != nil {
		t.Error("nil record should yield nil profile")
	}
}
