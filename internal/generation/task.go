// Package generation tracks a single in-flight response: its phase, the
// streamed draft, and accumulated search results. Transitions are pure
// functions over value-typed Tasks so they can be tested without a transport.
package generation

import (
	"sort"
	"time"

	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
)

// Phase is the lifecycle position of a GenerationTask.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseThinking         Phase = "thinking"
	PhaseSearchingWeb     Phase = "searching_web"
	PhaseSearchingContext Phase = "searching_context"
	PhaseGenerating       Phase = "generating"
	PhaseComplete         Phase = "complete"
	PhaseFailed           Phase = "failed"
	PhaseCancelled        Phase = "cancelled"
)

// Terminal reports whether no further event may change the phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseComplete, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Searching reports whether a web or context search is in progress.
func (p Phase) Searching() bool {
	return p == PhaseSearchingWeb || p == PhaseSearchingContext
}

// DefaultStallThreshold is how long a task may go without progress before
// the user is offered a reset.
const DefaultStallThreshold = 60 * time.Second

// Task is one in-flight send or regenerate. It is a value: Apply and the
// helpers below return an updated copy and never mutate their input.
type Task struct {
	GroupID       string
	Phase         Phase
	Draft         string
	ThinkingTrace string
	SearchResults []protocol.SearchResult
	SearchSummary string
	FailureReason string
	StartedAt     time.Time
	LastEventAt   time.Time

	// Stalled is set when the transport dropped while the task was live.
	// It clears as soon as another event for the group is applied.
	Stalled   bool
	StalledAt time.Time

	seen []int64 // sorted token sequence numbers already applied

	// awaitStart drops events for the group until the server announces this
	// run, so the tail of a cancelled earlier run cannot leak into it.
	awaitStart bool
}

// NewTask returns an idle task for groupID with an empty draft.
func NewTask(groupID string, now time.Time) Task {
	return Task{
		GroupID:     groupID,
		Phase:       PhaseIdle,
		StartedAt:   now,
		LastEventAt: now,
	}
}

// NewRegeneration returns an idle task for a group that already had a run.
// Events for the group are discarded until its generation_started arrives.
func NewRegeneration(groupID string, now time.Time) Task {
	t := NewTask(groupID, now)
	t.awaitStart = true
	return t
}

// AwaitingStart reports whether the task still ignores events from an
// earlier run of its group.
func (t Task) AwaitingStart() bool {
	return t.awaitStart
}

// Live reports whether the task has been created and is not yet terminal.
func (t Task) Live() bool {
	return t.GroupID != "" && !t.Phase.Terminal()
}

// Outcome describes what Apply did with an event.
type Outcome struct {
	Applied bool
	// Finished is true when this call moved the task into a terminal phase.
	Finished bool
	// Discarded explains why an event was ignored. Empty when Applied.
	Discarded string
}

func discarded(reason string) Outcome { return Outcome{Discarded: reason} }

// Reasons an event can be discarded.
const (
	DiscardForeignGroup = "event addressed to another group"
	DiscardTerminal     = "task already terminal"
	DiscardDuplicateSeq = "duplicate token sequence"
	DiscardNotTaskEvent = "event does not drive generation"
	DiscardPriorRun     = "event from an earlier run of the group"
)

func (t Task) hasSeen(seq int64) bool {
	i := sort.Search(len(t.seen), func(i int) bool { return t.seen[i] >= seq })
	return i < len(t.seen) && t.seen[i] == seq
}

// withSeen returns a copy of the seen set including seq.
func (t Task) withSeen(seq int64) []int64 {
	i := sort.Search(len(t.seen), func(i int) bool { return t.seen[i] >= seq })
	out := make([]int64, 0, len(t.seen)+1)
	out = append(out, t.seen[:i]...)
	out = append(out, seq)
	out = append(out, t.seen[i:]...)
	return out
}

// Cancel moves a live task to cancelled. Cancelling an already terminal task
// is a no-op.
func Cancel(t Task, now time.Time) (Task, Outcome) {
	if t.Phase.Terminal() {
		return t, discarded(DiscardTerminal)
	}
	t.Phase = PhaseCancelled
	t.Stalled = false
	t.LastEventAt = now
	return t, Outcome{Applied: true, Finished: true}
}

// Fail moves a live task to failed, keeping whatever draft was streamed.
func Fail(t Task, reason string, now time.Time) (Task, Outcome) {
	if t.Phase.Terminal() {
		return t, discarded(DiscardTerminal)
	}
	t.Phase = PhaseFailed
	t.FailureReason = reason
	t.Stalled = false
	t.LastEventAt = now
	return t, Outcome{Applied: true, Finished: true}
}

// Complete freezes the draft and moves a live task to complete. It is used
// when history shows the group was delivered while the client was away.
func Complete(t Task, finalText string, now time.Time) (Task, Outcome) {
	if t.Phase.Terminal() {
		return t, discarded(DiscardTerminal)
	}
	t.Phase = PhaseComplete
	t.Draft = finalText
	t.Stalled = false
	t.LastEventAt = now
	return t, Outcome{Applied: true, Finished: true}
}

// MarkStalled flags a live task after a transport drop. The first stall time
// is kept if the task is already stalled.
func MarkStalled(t Task, now time.Time) Task {
	if t.Phase.Terminal() || t.Stalled {
		return t
	}
	t.Stalled = true
	t.StalledAt = now
	return t
}

// StallExceeded reports whether a live task has made no progress for longer
// than threshold, either since it stalled or since its last applied event.
func StallExceeded(t Task, now time.Time, threshold time.Duration) bool {
	if !t.Live() {
		return false
	}
	since := t.LastEventAt
	if t.Stalled && t.StalledAt.After(since) {
		since = t.StalledAt
	}
	return now.Sub(since) >= threshold
}
