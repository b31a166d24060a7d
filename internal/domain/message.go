package domain

import (
	"fmt"
	"time"
)

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	// RoleUser marks a message typed by the user.
	RoleUser MessageRole = "user"
	// RoleAssistant marks a message produced by the generation backend.
	RoleAssistant MessageRole = "assistant"
)

// ParseRole validates a role string against the two allowed values.
func ParseRole(s string) (MessageRole, error) {
	switch MessageRole(s) {
	case RoleUser, RoleAssistant:
		return MessageRole(s), nil
	default:
		return "", fmt.Errorf("invalid message role %q", s)
	}
}

// DeliveryState tracks whether a message has been durably persisted.
// Messages are shown optimistically and flagged, never retracted, when the
// backing write fails.
type DeliveryState string

const (
	// DeliveryPending means the asynchronous persist has not completed yet.
	DeliveryPending DeliveryState = "pending"
	// DeliveryPersisted means the message is durable.
	DeliveryPersisted DeliveryState = "persisted"
	// DeliveryFailed means the persist failed; the message is retryable.
	DeliveryFailed DeliveryState = "failed"
)

// Message is one entry in a session's append-only ordered history.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      MessageRole   `json:"role"`
	Content   string        `json:"content"`
	Delivery  DeliveryState `json:"delivery,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewMessage builds a validated message. The role must be one of the two
// allowed values; content may be empty only for assistant placeholders.
func NewMessage(id, sessionID string, role MessageRole, content string, at time.Time) (Message, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Message{}, err
	}
	if id == "" {
		return Message{}, fmt.Errorf("message id cannot be empty")
	}
	return Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Delivery:  DeliveryPending,
		CreatedAt: at,
	}, nil
}
