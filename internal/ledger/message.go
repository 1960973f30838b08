// Package ledger holds the ordered transcript of one conversation and
// reconciles live completions with pages fetched from durable history.
package ledger

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final for its group.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// Message is one transcript entry.
type Message struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Status        Status    `json:"status"`
	GroupID       string    `json:"message_group_id,omitempty"`
	ThinkingTrace string    `json:"thinking_trace,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewMessageID returns a time-sortable identifier for client-created messages.
func NewMessageID() string {
	return ulid.Make().String()
}

// less orders messages by (CreatedAt, ID).
func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// FromWire converts a persisted history entry. Missing statuses are treated
// as delivered since the server only persists finished messages.
func FromWire(m protocol.HistoryMessage) Message {
	status := Status(m.Status)
	switch status {
	case StatusPending, StatusStreaming, StatusDelivered, StatusFailed, StatusCancelled:
	default:
		status = StatusDelivered
	}
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = m.CreatedAt
	}
	return Message{
		ID:            m.ID,
		Role:          Role(m.Role),
		Content:       m.Content,
		Status:        status,
		GroupID:       m.MessageGroupID,
		ThinkingTrace: m.ThinkingTrace,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     updated,
	}
}

// ToWire is the inverse of FromWire.
func ToWire(m Message) protocol.HistoryMessage {
	return protocol.HistoryMessage{
		ID:             m.ID,
		Role:           string(m.Role),
		Content:        m.Content,
		Status:         string(m.Status),
		MessageGroupID: m.GroupID,
		ThinkingTrace:  m.ThinkingTrace,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// Cursor is an opaque pagination position understood only by the
// HistorySource that issued it. The zero value means "newest page".
type Cursor string

// Page is one slice of durable history, newest page first, messages inside
// the page in chronological order.
type Page struct {
	Messages []Message
	// Next points at the page of older messages. Empty when HasMore is false.
	Next    Cursor
	HasMore bool
	Total   int
}

// HistorySource fetches durable history for a conversation.
type HistorySource interface {
	Page(ctx context.Context, conversationID string, before Cursor, limit int) (Page, error)
}

// Completion carries the metadata recorded when a group reaches a terminal state.
type Completion struct {
	// MessageID is used for a newly created assistant message. Optional.
	MessageID     string
	Status        Status
	ThinkingTrace string
	At            time.Time
}

// Draft is the in-flight assistant response overlaid on the ledger by View.
type Draft struct {
	GroupID       string
	Text          string
	ThinkingTrace string
	Status        Status
	StartedAt     time.Time
}
