// Package models defines the payload types that travel the bus: messages,
// runs, the polymorphic content union, and the canonical tool shapes.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role classifies who produced a message.
type Role string

const (
	RoleHuman   Role = "human"
	RoleAI      Role = "ai"
	RoleSystem  Role = "system"
	RoleTool    Role = "tool"
	RoleCommand Role = "command"
)

// Message is the atomic bus payload. Messages are immutable once published;
// every message carries the owner key of the conversation it belongs to.
type Message struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	OwnerKey  string         `json:"owner_key"`
	Role      Role           `json:"role"`
	Content   Content        `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a message with a fresh id and a UTC timestamp.
func NewMessage(runID, ownerKey string, role Role, content Content) *Message {
	return &Message{
		ID:        NewMessageID(),
		RunID:     runID,
		OwnerKey:  ownerKey,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{},
	}
}

// NewMessageID returns a unique message id with the msg_ prefix.
func NewMessageID() string {
	return "msg_" + uuid.Must(uuid.NewV7()).String()
}

// NewRunID returns a unique run id with the run_ prefix.
func NewRunID() string {
	return "run_" + uuid.Must(uuid.NewV7()).String()
}
