package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvelopeType is the `type` discriminant carried by every envelope.
type EnvelopeType string

const (
	// Client -> server
	TypeMessage        EnvelopeType = "message"
	TypeCommand        EnvelopeType = "command"
	TypeHistoryRequest EnvelopeType = "history_request"

	// Server -> client
	TypeToken                 EnvelopeType = "token"
	TypeGenerationStatus      EnvelopeType = "generation_status"
	TypeSearchResult          EnvelopeType = "search_result"
	TypeError                 EnvelopeType = "error"
	TypeConnectionEstablished EnvelopeType = "connection_established"
	TypeHistoryPage           EnvelopeType = "history_page"
)

// CommandKind enumerates the control commands a client may issue.
type CommandKind string

const (
	CommandCancel CommandKind = "cancel"
)

// NewGroupID generates a new message group identifier.
func NewGroupID() string {
	return uuid.NewString()
}

// MessageEnvelope is the canonical outbound "message" envelope.
type MessageEnvelope struct {
	Type           EnvelopeType `json:"type"`
	Message        string       `json:"message"`
	MessageGroupID string       `json:"message_group_id,omitempty"`
	Options        *Options     `json:"options,omitempty"`
}

// CommandEnvelope carries a control command addressed to a message group.
type CommandEnvelope struct {
	Type           EnvelopeType `json:"type"`
	Command        CommandKind  `json:"command"`
	MessageGroupID string       `json:"message_group_id"`
}

// HistoryRequestEnvelope asks the server for a page of conversation history.
type HistoryRequestEnvelope struct {
	Type           EnvelopeType `json:"type"`
	Offset         *int         `json:"offset,omitempty"`
	Limit          *int         `json:"limit,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
}

// EncodeSend produces the outbound message envelope. Options are validated
// and resolved against their defaults before encoding.
func EncodeSend(message, groupID string, opts Options) ([]byte, error) {
	if strings.TrimSpace(message) == "" {
		return nil, invalid("message", "must not be empty")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	resolved := opts.WithDefaults()
	return json.Marshal(MessageEnvelope{
		Type:           TypeMessage,
		Message:        message,
		MessageGroupID: groupID,
		Options:        &resolved,
	})
}

// EncodeCommand produces a command envelope.
func EncodeCommand(kind CommandKind, groupID string) ([]byte, error) {
	if kind != CommandCancel {
		return nil, invalid("command", "unsupported command %q", kind)
	}
	if groupID == "" {
		return nil, invalid("message_group_id", "required for %s", kind)
	}
	return json.Marshal(CommandEnvelope{Type: TypeCommand, Command: kind, MessageGroupID: groupID})
}

// EncodeHistoryRequest produces a history_request envelope. A zero limit
// leaves page sizing to the server.
func EncodeHistoryRequest(conversationID string, offset, limit int) ([]byte, error) {
	if offset < 0 {
		return nil, invalid("offset", "must not be negative")
	}
	if limit < 0 {
		return nil, invalid("limit", "must not be negative")
	}
	env := HistoryRequestEnvelope{Type: TypeHistoryRequest, ConversationID: conversationID}
	if offset > 0 {
		env.Offset = &offset
	}
	if limit > 0 {
		env.Limit = &limit
	}
	return json.Marshal(env)
}

// Event is implemented by every inbound envelope kind.
type Event interface {
	isEvent()
	Kind() EnvelopeType
	Group() string
}

type eventBase struct {
	Type           EnvelopeType `json:"type"`
	MessageGroupID string       `json:"message_group_id,omitempty"`
}

func (eventBase) isEvent() {}

// Kind implements Event.
func (e eventBase) Kind() EnvelopeType { return e.Type }

// Group implements Event.
func (e eventBase) Group() string { return e.MessageGroupID }

// TokenEvent carries one incremental piece of generated text. Seq is a
// per-group sequence number starting at 1; zero means the server did not send one.
type TokenEvent struct {
	eventBase
	Token  string `json:"token"`
	Status string `json:"status,omitempty"`
	Seq    int64  `json:"seq,omitempty"`
}

// NewTokenEvent constructs a token event.
func NewTokenEvent(groupID, token string, seq int64) TokenEvent {
	return TokenEvent{
		eventBase: eventBase{Type: TypeToken, MessageGroupID: groupID},
		Token:     token,
		Status:    "token",
		Seq:       seq,
	}
}

// GenerationStatus enumerates generation lifecycle notifications.
type GenerationStatus string

const (
	GenerationStarted   GenerationStatus = "generation_started"
	GenerationCompleted GenerationStatus = "generation_completed"
	GenerationFailed    GenerationStatus = "generation_failed"
)

// GenerationStatusEvent reports a phase transition for a message group.
type GenerationStatusEvent struct {
	eventBase
	Status  GenerationStatus `json:"status"`
	Message string           `json:"message,omitempty"`
}

// NewGenerationStatusEvent constructs a generation_status event.
func NewGenerationStatusEvent(groupID string, status GenerationStatus, message string) GenerationStatusEvent {
	return GenerationStatusEvent{
		eventBase: eventBase{Type: TypeGenerationStatus, MessageGroupID: groupID},
		Status:    status,
		Message:   message,
	}
}

// SearchStatus enumerates search progress notifications.
type SearchStatus string

const (
	SearchStarted       SearchStatus = "started"
	SearchPartialResult SearchStatus = "web_search_partial_result"
	SearchCompleted     SearchStatus = "completed"
	SearchSkipped       SearchStatus = "skipped"
)

// SearchSource tells web search apart from vector (context) search.
type SearchSource string

const (
	SourceWeb     SearchSource = "web"
	SourceContext SearchSource = "context"
)

// SearchResult is a single hit returned by a web or context search.
type SearchResult struct {
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// SearchResultEvent carries partial or final search payloads.
type SearchResultEvent struct {
	eventBase
	Status  SearchStatus   `json:"status"`
	Source  SearchSource   `json:"source,omitempty"`
	Query   string         `json:"query,omitempty"`
	Results []SearchResult `json:"results,omitempty"`
	Index   *int           `json:"index,omitempty"`
	Total   *int           `json:"total,omitempty"`
	Summary string         `json:"summary,omitempty"`
}

// SearchSourceOrDefault returns the declared source, web when absent.
func (e SearchResultEvent) SearchSourceOrDefault() SearchSource {
	if e.Source == "" {
		return SourceWeb
	}
	return e.Source
}

// NewSearchResultEvent constructs a search_result event.
func NewSearchResultEvent(groupID string, source SearchSource, status SearchStatus, query string, results []SearchResult) SearchResultEvent {
	return SearchResultEvent{
		eventBase: eventBase{Type: TypeSearchResult, MessageGroupID: groupID},
		Status:    status,
		Source:    source,
		Query:     query,
		Results:   results,
	}
}

// ErrorEvent reports a server-side failure, optionally scoped to a group.
type ErrorEvent struct {
	eventBase
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewErrorEvent constructs an error event.
func NewErrorEvent(groupID, message, code string) ErrorEvent {
	return ErrorEvent{
		eventBase: eventBase{Type: TypeError, MessageGroupID: groupID},
		Message:   message,
		Code:      code,
	}
}

// ConnectionEstablishedEvent is the server's greeting after the handshake.
type ConnectionEstablishedEvent struct {
	eventBase
	ConversationID    string `json:"conversation_id"`
	IsNewConversation bool   `json:"is_new_conversation"`
	Status            string `json:"status"`
	UserID            string `json:"user_id,omitempty"`
	AuthMethod        string `json:"auth_method,omitempty"`
}

// NewConnectionEstablishedEvent constructs a connection_established event.
func NewConnectionEstablishedEvent(conversationID string, isNew bool, userID, authMethod string) ConnectionEstablishedEvent {
	return ConnectionEstablishedEvent{
		eventBase:         eventBase{Type: TypeConnectionEstablished},
		ConversationID:    conversationID,
		IsNewConversation: isNew,
		Status:            "connected",
		UserID:            userID,
		AuthMethod:        authMethod,
	}
}

// HistoryMessage is the wire shape of a persisted transcript entry.
type HistoryMessage struct {
	ID             string    `json:"id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Status         string    `json:"status,omitempty"`
	MessageGroupID string    `json:"message_group_id,omitempty"`
	ThinkingTrace  string    `json:"thinking_trace,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HistoryPageEvent answers a history_request.
type HistoryPageEvent struct {
	eventBase
	ConversationID string           `json:"conversation_id,omitempty"`
	Offset         int              `json:"offset,omitempty"`
	Count          int              `json:"count"`
	HasMore        bool             `json:"has_more"`
	Messages       []HistoryMessage `json:"messages"`
}

// NewHistoryPageEvent constructs a history_page event.
func NewHistoryPageEvent(conversationID string, offset, count int, hasMore bool, messages []HistoryMessage) HistoryPageEvent {
	if messages == nil {
		messages = []HistoryMessage{}
	}
	return HistoryPageEvent{
		eventBase:      eventBase{Type: TypeHistoryPage},
		ConversationID: conversationID,
		Offset:         offset,
		Count:          count,
		HasMore:        hasMore,
		Messages:       messages,
	}
}

// MarshalEvent serializes an event for the wire.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
