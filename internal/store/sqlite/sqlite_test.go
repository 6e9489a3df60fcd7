package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/internal/store"
)

func openTestStores(t *testing.T) *store.Stores {
	t.Helper()
	stores, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = stores.Close(context.Background())
	})
	return stores
}

func TestIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)

	created := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	rec := &store.IdentityRecord{
		PublicKey: "0xabc",
		CreatedAt: created,
		Metadata:  map[string]any{"source": "onboard"},
	}
	if err := stores.Identities.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := stores.Identities.Create(ctx, rec); !errors.Is(err, store.ErrExists) {
		t.Fatalf("second Create: err = %v, want ErrExists", err)
	}

	got, err := stores.Identities.Get(ctx, "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}
	if got.Metadata["source"] != "onboard" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if len(got.ConfigOverrides) != 0 || len(got.PromptOverrides) != 0 {
		t.Error("fresh record should have empty overrides")
	}

	if _, err := stores.Identities.Get(ctx, "0xmissing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get unknown key: err = %v, want ErrNotFound", err)
	}
}

func TestIdentityOverridesReplacement(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)
	if err := stores.Identities.Create(ctx, &store.IdentityRecord{PublicKey: "0xabc", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := stores.Identities.SetConfigOverrides(ctx, "0xabc",
		map[string]any{"llm_model": "fast", "user_name": "Alice"}); err != nil {
		t.Fatal(err)
	}
	if err := stores.Identities.SetConfigOverrides(ctx, "0xabc",
		map[string]any{"llm_model": "smart"}); err != nil {
		t.Fatal(err)
	}

	rec, err := stores.Identities.Get(ctx, "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ConfigOverrides["llm_model"] != "smart" {
		t.Errorf("llm_model = %v", rec.ConfigOverrides["llm_model"])
	}
	if _, ok := rec.ConfigOverrides["user_name"]; ok {
		t.Error("replacement write kept a dropped key")
	}

	if err := stores.Identities.SetPromptOverrides(ctx, "0xnobody", map[string]any{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetPromptOverrides unknown key: err = %v, want ErrNotFound", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)

	msg := models.NewMessage("run_1", "0xabc", models.RoleAI, models.TextContent("hello there"))
	msg.Metadata["has_tool_calls"] = false
	if err := stores.Messages.Insert(ctx, msg); err != nil {
		t.Fatal(err)
	}

	structured := models.NewMessage("run_1", "0xabc", models.RoleTool,
		models.DataContent(map[string]any{"status": "success", "result": "42"}))
	if err := stores.Messages.Insert(ctx, structured); err != nil {
		t.Fatal(err)
	}

	got, err := stores.Messages.RecentByOwner(ctx, "0xabc", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}

	for _, m := range got {
		switch m.Role {
		case models.RoleAI:
			if text, _ := m.Content.AsText(); text != "hello there" {
				t.Errorf("text content = %q", text)
			}
			if m.Metadata["has_tool_calls"] != false {
				t.Errorf("metadata = %v", m.Metadata)
			}
		case models.RoleTool:
			data, ok := m.Content.AsData()
			if !ok {
				t.Fatal("tool message lost its structured content")
			}
			if data["status"] != "success" || data["result"] != "42" {
				t.Errorf("structured content = %v", data)
			}
		default:
			t.Errorf("unexpected role %q", m.Role)
		}
	}
}

func TestRecentByOwnerOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		msg := models.NewMessage("run_1", "0xabc", models.RoleHuman, models.TextContent("m"))
		// Mix of fractional and whole-second timestamps to exercise ordering.
		msg.Timestamp = base.Add(time.Duration(i) * 500 * time.Millisecond)
		if err := stores.Messages.Insert(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	got, err := stores.Messages.RecentByOwner(ctx, "0xabc", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("messages out of order at %d: %v before %v", i, got[i-1].Timestamp, got[i].Timestamp)
		}
	}
}

func TestCountSince(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		human := models.NewMessage("run_1", "0xabc", models.RoleHuman, models.TextContent("h"))
		human.Timestamp = base.Add(time.Duration(i) * time.Hour)
		if err := stores.Messages.Insert(ctx, human); err != nil {
			t.Fatal(err)
		}
		ai := models.NewMessage("run_1", "0xabc", models.RoleAI, models.TextContent("a"))
		ai.Timestamp = base.Add(time.Duration(i)*time.Hour + time.Minute)
		if err := stores.Messages.Insert(ctx, ai); err != nil {
			t.Fatal(err)
		}
	}

	n, err := stores.Messages.CountSince(ctx, "0xabc", models.RoleHuman, base.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountSince = %d, want 2", n)
	}
}

func TestConfigDocumentUpsert(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)

	if err := stores.Configs.Put(ctx, "development", map[string]any{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := stores.Configs.Put(ctx, "development", map[string]any{"b": "2"}); err != nil {
		t.Fatal(err)
	}

	doc, err := stores.Configs.Get(ctx, "development")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["a"]; ok {
		t.Error("upsert kept the previous document")
	}
	if doc["b"] != "2" {
		t.Errorf("doc = %v", doc)
	}

	if _, err := stores.Configs.Get(ctx, "production"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get unknown environment: err = %v, want ErrNotFound", err)
	}
}
