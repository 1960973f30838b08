package generation

import (
	"time"

	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
)

// Apply advances t by one decoded inbound event. It returns the new task and
// an Outcome saying whether the event was applied. Events for another group,
// events after a terminal phase, repeated token sequence numbers and events
// a regeneration receives before its own start are discarded and t is
// returned unchanged.
func Apply(t Task, ev protocol.Event, now time.Time) (Task, Outcome) {
	if ev == nil {
		return t, discarded(DiscardNotTaskEvent)
	}
	group := ev.Group()
	// search_result may omit the group; it then belongs to whichever task is live.
	if group != t.GroupID && !(group == "" && ev.Kind() == protocol.TypeSearchResult) {
		return t, discarded(DiscardForeignGroup)
	}
	if t.Phase.Terminal() {
		return t, discarded(DiscardTerminal)
	}
	if t.awaitStart {
		st, ok := ev.(protocol.GenerationStatusEvent)
		if !ok || st.Status != protocol.GenerationStarted {
			return t, discarded(DiscardPriorRun)
		}
		t.awaitStart = false
	}

	var out Outcome
	switch e := ev.(type) {
	case protocol.TokenEvent:
		t, out = applyToken(t, e)
	case protocol.GenerationStatusEvent:
		t, out = applyStatus(t, e)
	case protocol.SearchResultEvent:
		t, out = applySearch(t, e)
	case protocol.ErrorEvent:
		t.Phase = PhaseFailed
		t.FailureReason = e.Message
		out = Outcome{Applied: true, Finished: true}
	default:
		return t, discarded(DiscardNotTaskEvent)
	}

	if out.Applied {
		t.LastEventAt = now
		t.Stalled = false
		t.StalledAt = time.Time{}
	}
	return t, out
}

func applyToken(t Task, e protocol.TokenEvent) (Task, Outcome) {
	if e.Seq > 0 {
		if t.hasSeen(e.Seq) {
			return t, discarded(DiscardDuplicateSeq)
		}
		t.seen = t.withSeen(e.Seq)
	}
	// Backends may stream a preamble before announcing generation; the first
	// token promotes the task either way.
	if t.Phase != PhaseGenerating {
		t.Phase = PhaseGenerating
	}
	t.Draft += e.Token
	return t, Outcome{Applied: true}
}

func applyStatus(t Task, e protocol.GenerationStatusEvent) (Task, Outcome) {
	switch e.Status {
	case protocol.GenerationStarted:
		if t.Phase == PhaseIdle {
			t.Phase = PhaseThinking
		}
		if e.Message != "" {
			t.ThinkingTrace = appendLine(t.ThinkingTrace, e.Message)
		}
		return t, Outcome{Applied: true}
	case protocol.GenerationCompleted:
		t.Phase = PhaseComplete
		return t, Outcome{Applied: true, Finished: true}
	case protocol.GenerationFailed:
		t.Phase = PhaseFailed
		t.FailureReason = e.Message
		return t, Outcome{Applied: true, Finished: true}
	}
	return t, discarded(DiscardNotTaskEvent)
}

func applySearch(t Task, e protocol.SearchResultEvent) (Task, Outcome) {
	switch e.Status {
	case protocol.SearchStarted, protocol.SearchPartialResult, protocol.SearchCompleted, protocol.SearchSkipped:
	default:
		return t, discarded(DiscardNotTaskEvent)
	}

	searching := PhaseSearchingWeb
	if e.SearchSourceOrDefault() == protocol.SourceContext {
		searching = PhaseSearchingContext
	}

	if len(e.Results) > 0 {
		results := make([]protocol.SearchResult, 0, len(t.SearchResults)+len(e.Results))
		results = append(results, t.SearchResults...)
		results = append(results, e.Results...)
		t.SearchResults = results
	}

	switch e.Status {
	case protocol.SearchStarted, protocol.SearchPartialResult:
		if t.Phase != PhaseGenerating {
			t.Phase = searching
		}
		if e.Query != "" && e.Status == protocol.SearchStarted {
			t.ThinkingTrace = appendLine(t.ThinkingTrace, "searching "+string(e.SearchSourceOrDefault())+": "+e.Query)
		}
	case protocol.SearchCompleted, protocol.SearchSkipped:
		if e.Summary != "" {
			t.SearchSummary = e.Summary
		}
		if t.Phase != PhaseGenerating {
			t.Phase = PhaseThinking
		}
	}
	return t, Outcome{Applied: true}
}

func appendLine(trace, line string) string {
	if trace == "" {
		return line
	}
	return trace + "\n" + line
}
