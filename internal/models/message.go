package models

import "time"

// ChatMessage represents an individual entry within a chat session. Assistant
// messages are created as empty drafts and filled incrementally while a
// response is streamed; ID stays empty until the backend supplies one through
// a metadata frame, and is never changed afterwards.
type ChatMessage struct {
	// ID is the server-assigned identifier. It is empty for drafts and for
	// messages the backend never acknowledged.
	ID string
	// LocalID is a client-generated identifier used to address the message
	// before (and independently of) server acknowledgement.
	LocalID   string
	SessionID string
	Role      Role
	Content   string
	Status    MessageStatus
	Timestamp time.Time
}

// Role represents the author of a message.
type Role string

// MessageStatus tracks a message through the send/stream lifecycle.
type MessageStatus string

const (
	// RoleUser represents a message written by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the assistant.
	RoleAssistant Role = "assistant"

	// StatusPending marks a message that has been created locally but not
	// yet acknowledged or filled.
	StatusPending MessageStatus = "pending"
	// StatusStreaming marks an assistant draft that is currently receiving
	// tokens. At most one message per session carries this status.
	StatusStreaming MessageStatus = "streaming"
	// StatusSent marks a finalized message.
	StatusSent MessageStatus = "sent"
	// StatusError marks a message whose delivery or response failed without
	// any usable content.
	StatusError MessageStatus = "error"
)
