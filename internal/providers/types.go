// Package providers speaks to LLM backends over the OpenAI-compatible
// chat completions protocol. A generic client covers any conforming
// endpoint; named variants pin the default base URLs and models.
package providers

import (
	"context"

	"github.com/nextlevelbuilder/nexus/internal/models"
)

// Provider is the interface all LLM providers implement.
type Provider interface {
	// Chat sends messages and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends messages and delivers response deltas via
	// onChunk. Returns the final complete response after the stream
	// ends.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// DefaultModel returns the provider's default model id.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "google", "deepseek").
	Name() string
}

// Message is one chat-completions entry. Assistant messages may carry
// tool calls; tool messages answer one call by id.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ChatRequest is the input for a Chat/ChatStream call.
type ChatRequest struct {
	Messages []Message               `json:"messages"`
	Tools    []models.ToolDefinition `json:"tools,omitempty"`
	Model    string                  `json:"model,omitempty"`
	Options  map[string]any          `json:"options,omitempty"`
}

// Option keys understood by the request builder.
const (
	OptMaxTokens   = "max_tokens"
	OptTemperature = "temperature"
)

// ChatResponse is the result of an LLM call.
type ChatResponse struct {
	Content      string            `json:"content"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage            `json:"usage,omitempty"`
}

// StreamChunk is one piece of a streaming response.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
