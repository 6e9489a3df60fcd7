package models

import "encoding/json"

// ToolFunction describes a callable tool: name, human description, and a
// JSON-schema parameters object.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolDefinition is the catalog entry advertised to the LLM.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// NewToolDefinition builds a function-typed tool definition.
func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// ToolCallFunction names the requested tool and carries its arguments as a
// JSON-encoded object string.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is an LLM tool invocation request in normalized form.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ParsedArguments decodes the arguments string into a map. Empty or
// malformed arguments yield an empty map and the decode error.
func (t ToolCall) ParsedArguments() (map[string]any, error) {
	args := map[string]any{}
	if t.Function.Arguments == "" {
		return args, nil
	}
	err := json.Unmarshal([]byte(t.Function.Arguments), &args)
	return args, err
}

// ToolCallsFrom normalizes a metadata value into tool calls. In-process
// publishers attach the typed slice; values that crossed a JSON boundary
// come back as []any of maps. Anything else yields nil.
func ToolCallsFrom(v any) []ToolCall {
	switch calls := v.(type) {
	case []ToolCall:
		return calls
	case []any:
		out := make([]ToolCall, 0, len(calls))
		for _, c := range calls {
			raw, err := json.Marshal(c)
			if err != nil {
				continue
			}
			var tc ToolCall
			if err := json.Unmarshal(raw, &tc); err != nil {
				continue
			}
			out = append(out, tc)
		}
		return out
	}
	return nil
}

// ChatMessage is one prompt entry handed to a provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
