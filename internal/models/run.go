package models

import "time"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending             Status = "pending"
	StatusBuildingContext     Status = "building_context"
	StatusAwaitingLLMDecision Status = "awaiting_llm_decision"
	StatusAwaitingToolResult  Status = "awaiting_tool_result"
	StatusGeneratingResponse  Status = "generating_response"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusTimedOut            Status = "timed_out"
)

// Terminal reports whether the status ends a run's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Metadata keys applied to runs by the orchestrator and the HTTP boundary.
const (
	MetaUserProfile      = "user_profile"
	MetaClientTimestamp  = "client_timestamp_utc"
	MetaTimezoneOffset   = "client_timezone_offset"
	MetaPendingToolCalls = "pending_tool_calls"
)

// Run is the lifecycle container for one user turn: the initial human
// message, AI decisions, tool outputs, and the agentic loop bookkeeping.
// Runs are created at the HTTP boundary and mutated only by the
// orchestrator.
type Run struct {
	ID             string           `json:"id"`
	OwnerKey       string           `json:"owner_key"`
	Status         Status           `json:"status"`
	History        []*Message       `json:"history"`
	IterationCount int              `json:"iteration_count"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// NewRun builds a pending run for the given owner.
func NewRun(ownerKey string) *Run {
	return &Run{
		ID:        NewRunID(),
		OwnerKey:  ownerKey,
		Status:    StatusPending,
		Metadata:  map[string]any{},
		CreatedAt: time.Now().UTC(),
	}
}

// Append adds a message to the run history. History is append-only;
// existing entries are never replaced.
func (r *Run) Append(m *Message) {
	r.History = append(r.History, m)
}

// FirstHuman returns the first human message in the history, or nil.
func (r *Run) FirstHuman() *Message {
	for _, m := range r.History {
		if m.Role == RoleHuman {
			return m
		}
	}
	return nil
}
