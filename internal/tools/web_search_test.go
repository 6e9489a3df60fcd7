package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubSearchProvider struct {
	name    string
	results []searchResult
	err     error
	calls   int
}

func (p *stubSearchProvider) Name() string { return p.name }

func (p *stubSearchProvider) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	p.calls++
	return p.results, p.err
}

func TestNormalizeFreshness(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"pd", "pd"},
		{"PW", "pw"},
		{" pm ", "pm"},
		{"py", "py"},
		{"2024-01-01to2024-06-30", "2024-01-01to2024-06-30"},
		{"2024-06-30to2024-01-01", ""}, // inverted range
		{"yesterday", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeFreshness(tt.in); got != tt.want {
			t.Errorf("normalizeFreshness(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSearchFallsBackToNextProvider(t *testing.T) {
	failing := &stubSearchProvider{name: "brave", err: errors.New("quota exceeded")}
	working := &stubSearchProvider{name: "duckduckgo", results: []searchResult{
		{Title: "Go", URL: "https://go.dev", Description: "The Go programming language"},
	}}
	tool := &WebSearchTool{
		providers: []SearchProvider{failing, working},
		cache:     newWebCache(10, 0),
	}

	res := tool.Execute(context.Background(), map[string]any{"query": "golang"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if failing.calls != 1 || working.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", failing.calls, working.calls)
	}
	for _, want := range []string{
		"Search results for: golang (via duckduckgo)",
		"1. Go\n   https://go.dev",
		"The Go programming language",
		"<web_content",
	} {
		if !strings.Contains(res.Content, want) {
			t.Errorf("result missing %q:\n%s", want, res.Content)
		}
	}
}

func TestSearchAllProvidersFail(t *testing.T) {
	tool := &WebSearchTool{
		providers: []SearchProvider{&stubSearchProvider{name: "brave", err: errors.New("down")}},
		cache:     newWebCache(10, 0),
	}
	res := tool.Execute(context.Background(), map[string]any{"query": "anything"})
	if !res.IsError {
		t.Fatal("want error result")
	}
	if !strings.Contains(res.Content, "all search providers failed") {
		t.Errorf("result = %q", res.Content)
	}
}

func TestSearchCacheSkipsSecondFetch(t *testing.T) {
	provider := &stubSearchProvider{name: "brave", results: []searchResult{
		{Title: "Hit", URL: "https://example.com"},
	}}
	tool := &WebSearchTool{
		providers: []SearchProvider{provider},
		cache:     newWebCache(10, 0),
	}
	args := map[string]any{"query": "repeat me"}

	first := tool.Execute(context.Background(), args)
	second := tool.Execute(context.Background(), args)
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
	if first.Content != second.Content {
		t.Error("cached result differs from original")
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	tool := &WebSearchTool{
		providers: []SearchProvider{&stubSearchProvider{name: "brave"}},
		cache:     newWebCache(10, 0),
	}
	res := tool.Execute(context.Background(), map[string]any{})
	if !res.IsError || res.Content != "query is required" {
		t.Errorf("result = %+v", res)
	}
}

func TestNewWebSearchToolUnconfigured(t *testing.T) {
	if tool := NewWebSearchTool(WebSearchConfig{}); tool != nil {
		t.Error("want nil tool when no provider is usable")
	}
	if tool := NewWebSearchTool(WebSearchConfig{DDGEnabled: true}); tool == nil {
		t.Error("want DDG-only tool without a Brave key")
	}
}

func TestBraveProviderRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "brave-key" {
			t.Errorf("token header = %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "weather berlin" {
			t.Errorf("q = %q", got)
		}
		if got := r.URL.Query().Get("freshness"); got != "pd" {
			t.Errorf("freshness = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{
				"results": []map[string]string{
					{"title": "Wetter", "url": "https://example.com/w", "description": "Sunny"},
				},
			},
		})
	}))
	defer srv.Close()

	p := newBraveSearchProvider("brave-key")
	p.endpoint = srv.URL

	results, err := p.Search(context.Background(), searchParams{Query: "weather berlin", Count: 3, Freshness: "pd"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Wetter" || results[0].Description != "Sunny" {
		t.Fatalf("results = %+v", results)
	}
}

func TestBraveProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newBraveSearchProvider("brave-key")
	p.endpoint = srv.URL

	if _, err := p.Search(context.Background(), searchParams{Query: "x", Count: 1}); err == nil {
		t.Fatal("want error on 429")
	}
}

func TestExtractDDGResults(t *testing.T) {
	redirect := "//duckduckgo.com/l/?uddg=" + "https%3A%2F%2Fgo.dev%2Fdoc" + "&rut=abc"
	html := fmt.Sprintf(`
		<a class="result__a" href="%s">The <b>Go</b> docs</a>
		<a class="result__snippet" href="#">Learn <i>Go</i> here</a>
		<a class="result__a" href="https://example.org">Example</a>
	`, redirect)

	results := extractDDGResults(html, 5)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].URL != "https://go.dev/doc" {
		t.Errorf("url = %q, want unwrapped redirect", results[0].URL)
	}
	if results[0].Title != "The Go docs" {
		t.Errorf("title = %q", results[0].Title)
	}
	if results[0].Description != "Learn Go here" {
		t.Errorf("description = %q", results[0].Description)
	}
	if results[1].URL != "https://example.org" {
		t.Errorf("plain url = %q", results[1].URL)
	}
}

func TestFormatSearchResultsEmpty(t *testing.T) {
	got := formatSearchResults("nothing", nil, "brave")
	if got != "No results found for: nothing" {
		t.Errorf("got %q", got)
	}
}
