package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNoSource is returned by LoadPage when the ledger has no HistorySource.
var ErrNoSource = errors.New("ledger has no history source")

// Ledger is the ordered, append-only transcript of a single conversation.
// Only the session coordinator mutates it; readers get copies.
type Ledger struct {
	mu sync.RWMutex

	conversationID string
	source         HistorySource

	messages []Message      // sorted by (CreatedAt, ID)
	ids      map[string]int // id -> index in messages
	// versions keeps superseded assistant messages per group, oldest first.
	versions map[string][]Message

	// older and hasMore track pagination. They move only on the first load
	// and when the page at older is fetched, so a refetch of the newest page
	// keeps the user's place.
	paged   bool
	older   Cursor
	hasMore bool
}

// New creates an empty ledger for conversationID. source may be nil when the
// conversation has no durable history yet.
func New(conversationID string, source HistorySource) *Ledger {
	return &Ledger{
		conversationID: conversationID,
		source:         source,
		ids:            make(map[string]int),
		versions:       make(map[string][]Message),
		hasMore:        true,
	}
}

// ConversationID returns the conversation this ledger belongs to.
func (l *Ledger) ConversationID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conversationID
}

// Bind sets the conversation id once the server assigns one.
func (l *Ledger) Bind(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conversationID = conversationID
}

// Append inserts m in chronological order. It returns false, leaving the
// ledger unchanged, when a message with the same id is already present.
func (l *Ledger) Append(m Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertLocked(m)
}

func (l *Ledger) insertLocked(m Message) bool {
	if m.ID == "" {
		m.ID = NewMessageID()
	}
	if _, ok := l.ids[m.ID]; ok {
		return false
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	i := sort.Search(len(l.messages), func(i int) bool { return less(m, l.messages[i]) })
	l.messages = append(l.messages, Message{})
	copy(l.messages[i+1:], l.messages[i:])
	l.messages[i] = m
	l.reindexLocked(i)
	return true
}

func (l *Ledger) removeLocked(i int) Message {
	m := l.messages[i]
	l.messages = append(l.messages[:i], l.messages[i+1:]...)
	delete(l.ids, m.ID)
	l.reindexLocked(i)
	return m
}

func (l *Ledger) reindexLocked(from int) {
	for j := from; j < len(l.messages); j++ {
		l.ids[l.messages[j].ID] = j
	}
}

func (l *Ledger) findLocked(role Role, groupID string) int {
	if groupID == "" {
		return -1
	}
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Role == role && l.messages[i].GroupID == groupID {
			return i
		}
	}
	return -1
}

// MergeCompletion records the final assistant message for groupID. Calling it
// again with the same text and status is a no-op, and a cancelled message is
// never overwritten. It reports whether the ledger changed.
func (l *Ledger) MergeCompletion(groupID, finalText string, c Completion) (bool, error) {
	if groupID == "" {
		return false, fmt.Errorf("merge completion: empty group id")
	}
	if !c.Status.Terminal() {
		return false, fmt.Errorf("merge completion for %s: status %q is not terminal", groupID, c.Status)
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if i := l.findLocked(RoleAssistant, groupID); i >= 0 {
		existing := l.messages[i]
		if existing.Content == finalText && existing.Status == c.Status {
			return false, nil
		}
		if existing.Status == StatusCancelled {
			return false, nil
		}
		existing.Content = finalText
		existing.Status = c.Status
		if c.ThinkingTrace != "" {
			existing.ThinkingTrace = c.ThinkingTrace
		}
		existing.UpdatedAt = at
		l.messages[i] = existing
		return true, nil
	}

	created := at
	// An answer never sorts ahead of the question it answers.
	if u := l.findLocked(RoleUser, groupID); u >= 0 && !created.After(l.messages[u].CreatedAt) {
		created = l.messages[u].CreatedAt.Add(time.Nanosecond)
	}
	id := c.MessageID
	if id == "" {
		id = NewMessageID()
	}
	return l.insertLocked(Message{
		ID:            id,
		Role:          RoleAssistant,
		Content:       finalText,
		Status:        c.Status,
		GroupID:       groupID,
		ThinkingTrace: c.ThinkingTrace,
		CreatedAt:     created,
		UpdatedAt:     at,
	}), nil
}

// Supersede removes the assistant message for groupID from the live view and
// keeps it as an earlier version. It returns the removed message.
func (l *Ledger) Supersede(groupID string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.findLocked(RoleAssistant, groupID)
	if i < 0 {
		return Message{}, false
	}
	m := l.removeLocked(i)
	l.versions[groupID] = append(l.versions[groupID], m)
	return m, true
}

// Versions returns the superseded assistant messages of a group, oldest first.
func (l *Ledger) Versions(groupID string) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Message(nil), l.versions[groupID]...)
}

// LoadPage fetches the page before cursor from the history source and merges
// it. Messages already present win over fetched duplicates, matched by id or
// by (role, group) for assistant answers produced live.
func (l *Ledger) LoadPage(ctx context.Context, before Cursor, limit int) (Page, error) {
	l.mu.RLock()
	source, conv := l.source, l.conversationID
	l.mu.RUnlock()

	if source == nil {
		return Page{}, ErrNoSource
	}
	page, err := source.Page(ctx, conv, before, limit)
	if err != nil {
		return Page{}, fmt.Errorf("load history page: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.mergeLocked(page.Messages)
	if !l.paged || (before != "" && before == l.older) {
		l.paged = true
		l.older = page.Next
		l.hasMore = page.HasMore
	}
	return page, nil
}

// LoadOlder continues pagination from the oldest page loaded so far.
func (l *Ledger) LoadOlder(ctx context.Context, limit int) (Page, error) {
	l.mu.RLock()
	before, more := l.older, l.hasMore
	l.mu.RUnlock()
	if !more {
		return Page{}, nil
	}
	return l.LoadPage(ctx, before, limit)
}

// HasMore reports whether older history may still be fetched.
func (l *Ledger) HasMore() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasMore
}

// MergeFetched merges messages obtained outside LoadPage, such as a
// history_page event. It returns how many were inserted.
func (l *Ledger) MergeFetched(msgs []Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mergeLocked(msgs)
}

func (l *Ledger) mergeLocked(msgs []Message) int {
	superseded := make(map[string]struct{})
	for _, vs := range l.versions {
		for _, v := range vs {
			superseded[v.ID] = struct{}{}
		}
	}

	inserted := 0
	for _, m := range msgs {
		if _, ok := l.ids[m.ID]; ok {
			continue
		}
		if _, ok := superseded[m.ID]; ok {
			continue
		}
		if m.Role == RoleAssistant && l.findLocked(RoleAssistant, m.GroupID) >= 0 {
			continue
		}
		// A server copy of an answer that was regenerated away stays out of
		// the live view.
		if vs := l.versions[m.GroupID]; m.Role == RoleAssistant && len(vs) > 0 &&
			!lastTouched(m).After(vs[len(vs)-1].UpdatedAt) {
			continue
		}
		if m.Role == RoleUser && l.findLocked(RoleUser, m.GroupID) >= 0 {
			continue
		}
		if l.insertLocked(m) {
			inserted++
		}
	}
	return inserted
}

func lastTouched(m Message) time.Time {
	if m.UpdatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.UpdatedAt
}

// Find returns the message for (role, groupID) if present.
func (l *Ledger) Find(role Role, groupID string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.findLocked(role, groupID); i >= 0 {
		return l.messages[i], true
	}
	return Message{}, false
}

// Get returns the message with id.
func (l *Ledger) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i, ok := l.ids[id]; ok {
		return l.messages[i], true
	}
	return Message{}, false
}

// Len returns the number of messages in the ledger.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Messages returns a copy of the transcript in order.
func (l *Ledger) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Message(nil), l.messages...)
}

// View returns the transcript with the in-flight draft overlaid. The draft is
// never written into the ledger itself.
func (l *Ledger) View(draft *Draft) []Message {
	out := l.Messages()
	if draft == nil || draft.GroupID == "" {
		return out
	}
	status := draft.Status
	if status == "" {
		status = StatusStreaming
	}
	created := draft.StartedAt
	if len(out) > 0 && created.Before(out[len(out)-1].CreatedAt) {
		created = out[len(out)-1].CreatedAt
	}
	return append(out, Message{
		ID:            "draft:" + draft.GroupID,
		Role:          RoleAssistant,
		Content:       draft.Text,
		Status:        status,
		GroupID:       draft.GroupID,
		ThinkingTrace: draft.ThinkingTrace,
		CreatedAt:     created,
		UpdatedAt:     created,
	})
}
