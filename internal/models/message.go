package models

import "time"

// Role represents the role of a transcript participant.
type Role string

const (
	// RoleUser represents a message typed or uploaded by the active user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the records assistant. While a turn
	// is streaming, the trailing assistant message's Content grows chunk by chunk.
	RoleAssistant Role = "assistant"
)

// Message represents an individual entry in a patient's chat transcript. Content holds
// plain markdown text; Images optionally carries the filenames of studies attached to
// the message, so uploads render as their name rather than the full analysis prompt.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Images    []string
	Timestamp time.Time
}

// Conversation is an archived chat session for one patient profile. A new conversation
// starts every time the active patient changes; the title is generated from the first
// user message.
type Conversation struct {
	ID        string
	PatientID string
	Title     string
	StartedAt time.Time
}
