// Package protocol defines the event names and payload shapes shared
// between the server and its streaming clients (SSE and WebSocket).
package protocol

// Stream event names pushed from server to client.
const (
	EventRunStarted       = "run_started"
	EventTextChunk        = "text_chunk"
	EventToolCallStarted  = "tool_call_started"
	EventToolCallFinished = "tool_call_finished"
	EventRunFinished      = "run_finished"
	EventError            = "error"
	EventCommandResult    = "command_result"
)

// Run outcome values carried by run_finished payloads.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// UIEvent is one frame on the stream. Event names the type; Payload
// carries the event-specific body.
type UIEvent struct {
	Event   string         `json:"event"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// UIEventBody builds the bus content map for one stream event. The
// gateway serializes this map verbatim into SSE and WebSocket frames.
func UIEventBody(event, runID string, payload map[string]any) map[string]any {
	body := map[string]any{"event": event}
	if runID != "" {
		body["run_id"] = runID
	}
	if payload != nil {
		body["payload"] = payload
	}
	return body
}
