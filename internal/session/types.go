package session

import "time"

// Role identifies the author of a dialog turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single dialog turn. Immutable once appended to a session.
type Turn struct {
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is one logical conversation keyed by an opaque identifier.
type Session struct {
	Key          string    `json:"session_id"`
	SystemPrompt string    `json:"system_prompt"`
	Turns        []Turn    `json:"turns"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	InFlight     bool      `json:"in_flight"`
}
