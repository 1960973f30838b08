package devserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
)

var errNoConversation = errors.New("conversation not found")

// conversation is the server's durable record of one chat.
type conversation struct {
	ID        string
	Title     string
	Mode      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []protocol.HistoryMessage // chronological
}

// conversationStore keeps conversations in memory.
type conversationStore struct {
	mu    sync.Mutex
	now   func() time.Time
	convs map[string]*conversation
}

func newConversationStore(now func() time.Time) *conversationStore {
	return &conversationStore{now: now, convs: make(map[string]*conversation)}
}

// ensure returns the conversation id, creating it when missing. A
// conversation counts as new until its first message, and until then a
// reconnect may still change its mode.
func (s *conversationStore) ensure(id, mode string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if c, ok := s.convs[id]; ok {
			if len(c.Messages) > 0 {
				return id, false
			}
			if mode != "" {
				c.Mode = mode
			}
			return id, true
		}
	} else {
		id = protocol.NewGroupID()
	}
	now := s.now()
	s.convs[id] = &conversation{ID: id, Mode: mode, CreatedAt: now, UpdatedAt: now}
	return id, true
}

// addUser records the user turn of group. It reports false when the group
// already has a user message, which makes the request a regeneration.
func (s *conversationStore) addUser(convID, group, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return false
	}
	for _, m := range c.Messages {
		if m.Role == "user" && m.MessageGroupID == group {
			return false
		}
	}
	now := s.now()
	c.Messages = append(c.Messages, protocol.HistoryMessage{
		ID:             ulid.Make().String(),
		Role:           "user",
		Content:        text,
		Status:         "delivered",
		MessageGroupID: group,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if c.Title == "" {
		c.Title = titleFrom(text)
	}
	c.UpdatedAt = now
	return true
}

// putAssistant stores the assistant answer for group, replacing an earlier
// version.
func (s *conversationStore) putAssistant(convID, group, content, status, trace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return
	}
	now := s.now()
	msg := protocol.HistoryMessage{
		ID:             ulid.Make().String(),
		Role:           "assistant",
		Content:        content,
		Status:         status,
		MessageGroupID: group,
		ThinkingTrace:  trace,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	kept := c.Messages[:0]
	for _, m := range c.Messages {
		if m.Role == "assistant" && m.MessageGroupID == group {
			continue
		}
		kept = append(kept, m)
	}
	c.Messages = append(kept, msg)
	c.UpdatedAt = now
}

// turns returns the conversation so far, oldest first.
func (s *conversationStore) turns(convID string) []protocol.HistoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil
	}
	return append([]protocol.HistoryMessage(nil), c.Messages...)
}

// page returns messages newest first, skipping offset from the newest.
func (s *conversationStore) page(convID string, offset, limit int) ([]protocol.HistoryMessage, int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil, 0, false, errNoConversation
	}
	total := len(c.Messages)
	out := make([]protocol.HistoryMessage, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, c.Messages[i])
	}
	return out, total, offset+len(out) < total, nil
}

func (s *conversationStore) list() []conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation, 0, len(s.convs))
	for _, c := range s.convs {
		cp := *c
		cp.Messages = nil
		cp.Messages = append(cp.Messages, c.Messages...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *conversationStore) rename(convID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return errNoConversation
	}
	c.Title = title
	c.UpdatedAt = s.now()
	return nil
}

func (s *conversationStore) remove(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[convID]
	delete(s.convs, convID)
	return ok
}

// titleFrom derives a conversation title from the first user message.
func titleFrom(text string) string {
	r := []rune(text)
	if len(r) <= 50 {
		return text
	}
	return string(r[:50]) + "..."
}
