package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/wpchat/internal/generation"
	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
	"github.com/ChamsBouzaiene/wpchat/internal/observability"
	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
	"github.com/ChamsBouzaiene/wpchat/internal/sessionstore"
	"github.com/ChamsBouzaiene/wpchat/internal/transport"
)

type fakeConn struct {
	mu          sync.Mutex
	sent        [][]byte
	sendErr     error
	connectErr  error
	targets     []transport.Target
	disconnects int
	onEvent     []func(protocol.Event)
	onStatus    []func(transport.Status)
	status      transport.Status
}

func (f *fakeConn) Connect(_ context.Context, target transport.Target) (transport.Status, error) {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	err := f.connectErr
	f.mu.Unlock()

	if err != nil {
		st := transport.Status{State: transport.StateError, SessionID: target.SessionID, LastError: err}
		f.setStatus(st)
		return st, err
	}
	st := transport.Status{State: transport.StateConnected, SessionID: target.SessionID}
	f.setStatus(st)
	return st, nil
}

func (f *fakeConn) Send(envelope []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, envelope)
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.setStatus(transport.Status{State: transport.StateDisconnecting})
	f.setStatus(transport.Status{State: transport.StateDisconnected})
}

func (f *fakeConn) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConn) OnEvent(h func(protocol.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEvent = append(f.onEvent, h)
}

func (f *fakeConn) OnStatus(h func(transport.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStatus = append(f.onStatus, h)
}

func (f *fakeConn) setStatus(st transport.Status) {
	f.mu.Lock()
	f.status = st
	handlers := slices.Clone(f.onStatus)
	f.mu.Unlock()
	for _, h := range handlers {
		h(st)
	}
}

func (f *fakeConn) emit(events ...protocol.Event) {
	f.mu.Lock()
	handlers := slices.Clone(f.onEvent)
	f.mu.Unlock()
	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (f *fakeConn) envelopes(t *testing.T) []protocol.ClientEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ClientEnvelope, 0, len(f.sent))
	for _, data := range f.sent {
		env, err := protocol.DecodeClient(data)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) last(t *testing.T) protocol.ClientEnvelope {
	t.Helper()
	envs := f.envelopes(t)
	require.NotEmpty(t, envs)
	return envs[len(envs)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t     *testing.T
	c     *Coordinator
	clock *clock
	store *sessionstore.MemoryStore

	mu    sync.Mutex
	conns []*fakeConn
	next  func(*fakeConn)
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		store: sessionstore.NewMemoryStore(),
	}
	cfg := Config{
		NewConnection: func() Connection {
			h.mu.Lock()
			defer h.mu.Unlock()
			fc := &fakeConn{}
			if h.next != nil {
				h.next(fc)
			}
			h.conns = append(h.conns, fc)
			return fc
		},
		Sessions:           h.store,
		Token:              "tok",
		StallCheckInterval: 5 * time.Millisecond,
		Logger:             observability.Discard(),
		Now:                h.clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.c = New(cfg)
	t.Cleanup(func() { h.c.Close() })
	return h
}

func (h *harness) conn(i int) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[i]
}

func (h *harness) open(id string) *fakeConn {
	h.t.Helper()
	require.NoError(h.t, h.c.SwitchSession(context.Background(), id))
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[len(h.conns)-1]
}

func (h *harness) view() View {
	h.t.Helper()
	v, err := h.c.View(context.Background())
	require.NoError(h.t, err)
	return v
}

func (h *harness) send(text string) string {
	h.t.Helper()
	group, err := h.c.Send(context.Background(), text, protocol.Options{})
	require.NoError(h.t, err)
	return group
}

func (h *harness) waitNotice(kind NoticeKind) Notice {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-h.c.Notices():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			h.t.Fatalf("no %s notice", kind)
			return Notice{}
		}
	}
}

func assistant(t *testing.T, v View, group string) ledger.Message {
	t.Helper()
	for _, m := range v.Messages {
		if m.Role == ledger.RoleAssistant && m.GroupID == group {
			return m
		}
	}
	t.Fatalf("no assistant message for %s", group)
	return ledger.Message{}
}

func tokens(group string, parts ...string) []protocol.Event {
	out := make([]protocol.Event, len(parts))
	for i, p := range parts {
		out[i] = protocol.NewTokenEvent(group, p, int64(i+1))
	}
	return out
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	assert.Equal(t, []transport.Target{{SessionID: "s1", Token: "tok", Mode: ModeDefault}}, conn.targets)

	group := h.send("Hello")
	env, ok := conn.last(t).(protocol.MessageEnvelope)
	require.True(t, ok)
	assert.Equal(t, "Hello", env.Message)
	assert.Equal(t, group, env.MessageGroupID)
	require.NotNil(t, env.Options.DoVectorSearch)
	assert.False(t, *env.Options.DoVectorSearch)

	conn.emit(protocol.NewGenerationStatusEvent(group, protocol.GenerationStarted, "Thinking..."))
	conn.emit(tokens(group, "Hi", " there", "!")...)
	conn.emit(protocol.NewGenerationStatusEvent(group, protocol.GenerationCompleted, ""))

	v := h.view()
	assert.Equal(t, generation.PhaseComplete, v.Phase)
	require.Len(t, v.Messages, 2)
	assert.Equal(t, ledger.RoleUser, v.Messages[0].Role)
	answer := assistant(t, v, group)
	assert.Equal(t, "Hi there!", answer.Content)
	assert.Equal(t, ledger.StatusDelivered, answer.Status)
	assert.Equal(t, "Hello", v.Session.Title)
	assert.True(t, v.Session.Started)

	require.Eventually(t, func() bool {
		s, _ := h.store.Get(context.Background(), "s1")
		return s != nil && s.Title == "Hello" && s.MessageCount == 1 && s.Started
	}, time.Second, 5*time.Millisecond)
}

func TestViewOverlaysDraftWithoutWritingIt(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")
	conn.emit(tokens(group, "Hi", " there")...)

	v := h.view()
	assert.Equal(t, generation.PhaseGenerating, v.Phase)
	require.Len(t, v.Messages, 2)
	draft := v.Messages[1]
	assert.Equal(t, "Hi there", draft.Content)
	assert.Equal(t, ledger.StatusStreaming, draft.Status)
	assert.Equal(t, "draft:"+group, draft.ID)
}

func TestDuplicateTokensAreDropped(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")

	conn.emit(protocol.NewTokenEvent(group, "a", 1), protocol.NewTokenEvent(group, "b", 2),
		protocol.NewTokenEvent(group, "b", 2), protocol.NewTokenEvent(group, "c", 3))
	assert.Equal(t, "abc", h.view().Messages[1].Content)
}

func TestCancelMidStream(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")
	conn.emit(tokens(group, "Hi")...)

	require.NoError(t, h.c.Cancel(context.Background(), group))
	v := h.view()
	assert.Equal(t, generation.PhaseCancelled, v.Phase)
	msg := assistant(t, v, group)
	assert.Equal(t, ledger.StatusCancelled, msg.Status)
	assert.Equal(t, "Hi", msg.Content)

	cmd, ok := conn.last(t).(protocol.CommandEnvelope)
	require.True(t, ok)
	assert.Equal(t, protocol.CommandCancel, cmd.Command)
	assert.Equal(t, group, cmd.MessageGroupID)

	// The server finishing anyway changes nothing.
	conn.emit(protocol.NewTokenEvent(group, " there", 2),
		protocol.NewGenerationStatusEvent(group, protocol.GenerationCompleted, ""))
	v = h.view()
	assert.Equal(t, generation.PhaseCancelled, v.Phase)
	msg = assistant(t, v, group)
	assert.Equal(t, "Hi", msg.Content)
	assert.Equal(t, ledger.StatusCancelled, msg.Status)

	// Cancelling again is a no-op.
	require.NoError(t, h.c.Cancel(context.Background(), group))
}

func TestRegenerate(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")
	conn.emit(tokens(group, "first")...)
	conn.emit(protocol.NewGenerationStatusEvent(group, protocol.GenerationCompleted, ""))

	require.NoError(t, h.c.Regenerate(context.Background(), group))
	env, ok := conn.last(t).(protocol.MessageEnvelope)
	require.True(t, ok)
	assert.Equal(t, "Hello", env.Message)
	assert.Equal(t, group, env.MessageGroupID)

	v := h.view()
	assert.Equal(t, generation.PhaseIdle, v.Phase)
	require.Len(t, v.Messages, 2)
	assert.Equal(t, "", v.Messages[1].Content, "new draft starts empty")

	conn.emit(protocol.NewGenerationStatusEvent(group, protocol.GenerationStarted, ""))
	conn.emit(tokens(group, "sec", "ond")...)
	conn.emit(protocol.NewGenerationStatusEvent(group, protocol.GenerationCompleted, ""))

	v = h.view()
	require.Len(t, v.Messages, 2)
	assert.Equal(t, "second", assistant(t, v, group).Content)

	assert.ErrorIs(t, h.c.Regenerate(context.Background(), "nope"), protocol.ErrValidation)
}

func TestRegenerateAfterCancelIgnoresCancelledTail(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")
	conn.emit(protocol.NewGenerationStatusEvent(group, protocol.GenerationStarted, ""))
	conn.emit(tokens(group, "Hi")...)
	require.NoError(t, h.c.Cancel(context.Background(), group))
	require.NoError(t, h.c.Regenerate(context.Background(), group))

	// The server handles the cancel after it already queued more of the first run.
	conn.emit(protocol.NewTokenEvent(group, " there", 2),
		protocol.NewGenerationStatusEvent(group, protocol.GenerationCompleted, ""))
	v := h.view()
	assert.Equal(t, generation.PhaseIdle, v.Phase)
	assert.Equal(t, ledger.StatusStreaming, assistant(t, v, group).Status)
	assert.Equal(t, "", assistant(t, v, group).Content)

	conn.emit(protocol.NewGenerationStatusEvent(group, protocol.GenerationStarted, ""))
	conn.emit(tokens(group, "Hello", " again")...)
	conn.emit(protocol.NewGenerationStatusEvent(group, protocol.GenerationCompleted, ""))

	v = h.view()
	assert.Equal(t, generation.PhaseComplete, v.Phase)
	msg := assistant(t, v, group)
	assert.Equal(t, "Hello again", msg.Content)
	assert.Equal(t, ledger.StatusDelivered, msg.Status)
}

func TestConflictWhileGenerating(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")
	conn.emit(tokens(group, "Hi")...)

	_, err := h.c.Send(context.Background(), "again", protocol.Options{})
	assert.ErrorIs(t, err, protocol.ErrConflict)
	assert.ErrorIs(t, h.c.Regenerate(context.Background(), group), protocol.ErrConflict)
	assert.Len(t, h.view().Messages, 2)
	assert.Len(t, conn.envelopes(t), 1)
}

func TestBackpressureLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	conn.mu.Lock()
	conn.sendErr = fmt.Errorf("send: %w", protocol.ErrBackpressure)
	conn.mu.Unlock()

	_, err := h.c.Send(context.Background(), "Hello", protocol.Options{})
	assert.ErrorIs(t, err, protocol.ErrBackpressure)
	v := h.view()
	assert.Empty(t, v.Messages)
	assert.Equal(t, generation.PhaseIdle, v.Phase)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Send(context.Background(), "Hello", protocol.Options{})
	assert.ErrorIs(t, err, protocol.ErrValidation, "no session yet")

	conn := h.open("s1")
	_, err = h.c.Send(context.Background(), "   ", protocol.Options{})
	assert.ErrorIs(t, err, protocol.ErrValidation)
	_, err = h.c.Send(context.Background(), "Hello", protocol.Options{Temperature: protocol.Float(7)})
	assert.ErrorIs(t, err, protocol.ErrValidation)
	assert.Empty(t, conn.envelopes(t))
}

func TestSearchTogglesAndDefaults(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Defaults = protocol.Options{ModelName: "gpt-test", DoWebSearch: protocol.Bool(true)}
	})
	conn := h.open("s1")

	v := h.view()
	assert.True(t, v.Session.WebSearchEnabled)
	assert.False(t, v.Session.VectorSearchEnabled)

	require.NoError(t, h.c.SetSearch(context.Background(), protocol.Bool(false), protocol.Bool(true)))
	h.send("Hello")
	env := conn.last(t).(protocol.MessageEnvelope)
	assert.Equal(t, "gpt-test", env.Options.ModelName)
	assert.False(t, *env.Options.DoWebSearch)
	assert.True(t, *env.Options.DoVectorSearch)
}

func TestSearchPhasesVisible(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")

	conn.emit(protocol.NewGenerationStatusEvent(group, protocol.GenerationStarted, ""))
	conn.emit(protocol.NewSearchResultEvent(group, protocol.SourceWeb, protocol.SearchStarted, "hello", nil))
	assert.Equal(t, generation.PhaseSearchingWeb, h.view().Phase)

	done := protocol.NewSearchResultEvent(group, protocol.SourceWeb, protocol.SearchCompleted, "hello",
		[]protocol.SearchResult{{Title: "Docs", URL: "https://example.com"}})
	done.Summary = "1 result"
	conn.emit(done)

	v := h.view()
	assert.Equal(t, generation.PhaseThinking, v.Phase)
	require.Len(t, v.SearchResults, 1)
	assert.Equal(t, "1 result", v.SearchSummary)
}

func TestGroupErrorFailsGeneration(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")
	conn.emit(tokens(group, "partial")...)
	conn.emit(protocol.NewErrorEvent(group, "model overloaded", "provider_unavailable"))

	n := h.waitNotice(NoticeGenerationFailed)
	assert.Equal(t, group, n.GroupID)
	v := h.view()
	assert.Equal(t, generation.PhaseFailed, v.Phase)
	msg := assistant(t, v, group)
	assert.Equal(t, ledger.StatusFailed, msg.Status)
	assert.Equal(t, "partial", msg.Content)
	assert.Equal(t, transport.StateConnected, v.Connection.State)

	// Regenerate is the retry affordance.
	require.NoError(t, h.c.Regenerate(context.Background(), group))
}

func TestUnscopedErrorIsNotice(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")
	conn.emit(protocol.NewErrorEvent("", "rate limited", "rate_limited"))

	assert.Equal(t, "rate limited", h.waitNotice(NoticeServerError).Message)
	v := h.view()
	assert.Equal(t, group, v.GroupID)
	assert.Equal(t, generation.PhaseIdle, v.Phase)
}

func TestReconnectDoesNotReplay(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")
	conn.emit(tokens(group, "Hi")...)

	conn.setStatus(transport.Status{State: transport.StateConnecting, SessionID: "s1", ReconnectAttempts: 1,
		LastError: protocol.ErrNetwork})
	h.waitNotice(NoticeConnectionLost)
	v := h.view()
	assert.True(t, v.Stalled)
	assert.Equal(t, generation.PhaseGenerating, v.Phase)

	conn.setStatus(transport.Status{State: transport.StateConnected, SessionID: "s1"})
	h.waitNotice(NoticeConnectionRestored)

	v = h.view()
	assert.True(t, v.Stalled, "still stalled until history answers")
	assert.Equal(t, "Hi", v.Messages[len(v.Messages)-1].Content)
	req, ok := conn.last(t).(protocol.HistoryRequestEnvelope)
	require.True(t, ok)
	assert.Equal(t, "s1", req.ConversationID)

	// History shows the answer was delivered while we were away.
	now := h.clock.Now()
	conn.emit(protocol.NewHistoryPageEvent("s1", 0, 2, false, []protocol.HistoryMessage{
		{ID: "srv-a1", Role: "assistant", Content: "Hi there!", Status: "delivered", MessageGroupID: group,
			CreatedAt: now, UpdatedAt: now},
	}))
	h.waitNotice(NoticeGenerationRecovered)

	v = h.view()
	assert.Equal(t, generation.PhaseComplete, v.Phase)
	assert.False(t, v.Stalled)
	msg := assistant(t, v, group)
	assert.Equal(t, "Hi there!", msg.Content)
	assert.Len(t, v.Messages, 2)
}

func TestStallNoticeAndReset(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.StallThreshold = time.Minute })
	conn := h.open("s1")
	group := h.send("Hello")
	conn.emit(tokens(group, "Hi")...)

	h.clock.Advance(61 * time.Second)
	n := h.waitNotice(NoticeStalled)
	assert.Equal(t, group, n.GroupID)
	assert.True(t, h.view().StallExceeded)

	require.NoError(t, h.c.Reset(context.Background(), group))
	v := h.view()
	assert.Equal(t, generation.PhaseFailed, v.Phase)
	msg := assistant(t, v, group)
	assert.Equal(t, ledger.StatusFailed, msg.Status)
	assert.Equal(t, "Hi", msg.Content)

	// The user may send again.
	h.send("Hello again")
	assert.ErrorIs(t, h.c.Reset(context.Background(), group), protocol.ErrValidation)
}

func TestResetWithFullQueueLogsUnsentCancel(t *testing.T) {
	logs := &logBuffer{}
	h := newHarness(t, func(cfg *Config) {
		cfg.Logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	})
	conn := h.open("s1")
	group := h.send("Hello")
	conn.emit(tokens(group, "Hi")...)

	conn.mu.Lock()
	conn.sendErr = fmt.Errorf("send: %w", protocol.ErrBackpressure)
	conn.mu.Unlock()

	require.NoError(t, h.c.Reset(context.Background(), group))
	assert.Equal(t, generation.PhaseFailed, h.view().Phase)
	assert.Contains(t, logs.String(), "cancel command not sent")
	assert.Contains(t, logs.String(), protocol.ErrBackpressure.Error())
}

func TestAuthFailureNotice(t *testing.T) {
	h := newHarness(t)
	h.mu.Lock()
	h.next = func(fc *fakeConn) {
		fc.connectErr = &transport.ConnectionError{Op: "dial", StatusCode: 401, Err: errors.New("bad handshake")}
	}
	h.mu.Unlock()

	err := h.c.SwitchSession(context.Background(), "s1")
	assert.ErrorIs(t, err, protocol.ErrAuth)
	h.waitNotice(NoticeAuthRequired)
	assert.Equal(t, transport.StateError, h.view().Connection.State)

	// Fix the credential and retry.
	conn := h.conn(0)
	conn.mu.Lock()
	conn.connectErr = nil
	conn.mu.Unlock()
	require.NoError(t, h.c.SetToken(context.Background(), "fresh"))
	require.NoError(t, h.c.Reconnect(context.Background()))
	assert.Equal(t, "fresh", conn.targets[1].Token)
	assert.Equal(t, transport.StateConnected, h.view().Connection.State)
}

func TestSwitchSessionCancelsInPlace(t *testing.T) {
	h := newHarness(t)
	first := h.open("s1")
	group := h.send("Hello")
	first.emit(tokens(group, "Hi")...)

	second := h.open("s2")
	cmd, ok := first.last(t).(protocol.CommandEnvelope)
	require.True(t, ok)
	assert.Equal(t, group, cmd.MessageGroupID)
	assert.Equal(t, 1, first.disconnects)

	// Late events from the old connection are ignored.
	first.emit(protocol.NewGenerationStatusEvent(group, protocol.GenerationCompleted, ""))
	v := h.view()
	assert.Equal(t, "s2", v.Session.ID)
	assert.Empty(t, v.Messages)
	assert.Equal(t, generation.PhaseIdle, v.Phase)
	assert.Equal(t, transport.StateConnected, v.Connection.State)
	assert.Len(t, second.targets, 1)

	// Going back restores the stored metadata.
	h.open("s1")
	v = h.view()
	assert.Equal(t, "Hello", v.Session.Title)
	assert.True(t, v.Session.Started)
}

func TestSwitchSessionLoadsHistory(t *testing.T) {
	src := &pageSource{page: ledger.Page{Messages: []ledger.Message{
		{ID: "u0", Role: ledger.RoleUser, Content: "earlier", Status: ledger.StatusDelivered, GroupID: "g0",
			CreatedAt: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "a0", Role: ledger.RoleAssistant, Content: "answer", Status: ledger.StatusDelivered, GroupID: "g0",
			CreatedAt: time.Date(2024, 4, 1, 0, 0, 1, 0, time.UTC)},
	}, Next: "20", HasMore: true}}
	h := newHarness(t, func(cfg *Config) { cfg.History = src })
	h.open("s1")

	v := h.view()
	require.Len(t, v.Messages, 2)
	assert.True(t, v.HasMore)

	src.mu.Lock()
	src.page = ledger.Page{}
	src.mu.Unlock()
	_, err := h.c.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, h.view().HasMore)
	assert.Equal(t, []ledger.Cursor{"", "20"}, src.cursors())
}

func TestSetMode(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")

	require.NoError(t, h.c.SetMode(context.Background(), ModeAgent))
	assert.Equal(t, ModeAgent, conn.targets[len(conn.targets)-1].Mode)
	assert.Equal(t, 1, conn.disconnects)
	assert.Equal(t, ModeAgent, h.view().Session.Mode)

	assert.ErrorIs(t, h.c.SetMode(context.Background(), "turbo"), protocol.ErrValidation)

	h.send("Hello")
	assert.ErrorIs(t, h.c.SetMode(context.Background(), ModeDefault), protocol.ErrValidation)
}

func TestResumedConversationWithHistoryKeepsItsMode(t *testing.T) {
	src := &pageSource{page: ledger.Page{Messages: []ledger.Message{
		{ID: "u0", Role: ledger.RoleUser, Content: "earlier", Status: ledger.StatusDelivered, GroupID: "g0",
			CreatedAt: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "a0", Role: ledger.RoleAssistant, Content: "answer", Status: ledger.StatusDelivered, GroupID: "g0",
			CreatedAt: time.Date(2024, 4, 1, 0, 0, 1, 0, time.UTC)},
	}}}
	h := newHarness(t, func(cfg *Config) { cfg.History = src })
	// Nothing is stored locally for s1, as on a fresh machine.
	h.open("s1")

	v := h.view()
	require.Len(t, v.Messages, 2)
	assert.True(t, v.Session.Started)
	assert.ErrorIs(t, h.c.SetMode(context.Background(), ModeAgent), protocol.ErrValidation)
	assert.Equal(t, ModeDefault, h.view().Session.Mode)

	require.Eventually(t, func() bool {
		stored, err := h.store.Get(context.Background(), "s1")
		return err == nil && stored != nil && stored.Started
	}, time.Second, 5*time.Millisecond)
}

func TestExistingServerConversationKeepsItsMode(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	assert.False(t, h.view().Session.Started)

	conn.emit(protocol.NewConnectionEstablishedEvent("s1", false, "u1", "token"))
	assert.True(t, h.view().Session.Started)
	assert.ErrorIs(t, h.c.SetMode(context.Background(), ModeAgent), protocol.ErrValidation)
}

func TestConnectionEstablishedRebinds(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	conn.emit(protocol.NewConnectionEstablishedEvent("server-id", true, "u1", "token"))
	assert.Equal(t, "server-id", h.view().Session.ID)
	assert.Equal(t, "server-id", h.c.SessionID())
	assert.False(t, h.view().Session.Started)

	// The metadata follows the assigned id.
	require.Eventually(t, func() bool {
		moved, err := h.store.Get(context.Background(), "server-id")
		if err != nil || moved == nil || moved.Mode != ModeDefault {
			return false
		}
		old, err := h.store.Get(context.Background(), "s1")
		return err == nil && old == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRenameAndDelete(t *testing.T) {
	remote := &fakeRemote{}
	h := newHarness(t, func(cfg *Config) { cfg.Remote = remote })
	conn := h.open("s1")
	h.send("Hello")

	assert.ErrorIs(t, h.c.Rename(context.Background(), "  "), protocol.ErrValidation)
	require.NoError(t, h.c.Rename(context.Background(), "Menus"))
	assert.Equal(t, "Menus", h.view().Session.Title)
	assert.Equal(t, []string{"rename s1 Menus"}, remote.calls)

	require.NoError(t, h.c.Delete(context.Background()))
	assert.Equal(t, "delete s1", remote.calls[1])
	assert.Equal(t, 1, conn.disconnects)
	assert.Equal(t, "", h.c.SessionID())

	require.Eventually(t, func() bool {
		s, _ := h.store.Get(context.Background(), "s1")
		return s == nil
	}, time.Second, 5*time.Millisecond)

	_, err := h.c.Send(context.Background(), "hi", protocol.Options{})
	assert.ErrorIs(t, err, protocol.ErrValidation)
}

func TestCloseCancelsLiveGeneration(t *testing.T) {
	h := newHarness(t)
	conn := h.open("s1")
	group := h.send("Hello")

	require.NoError(t, h.c.Close())
	cmd, ok := conn.last(t).(protocol.CommandEnvelope)
	require.True(t, ok)
	assert.Equal(t, group, cmd.MessageGroupID)

	_, err := h.c.View(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, h.c.Close())
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "How do I add a menu?", Title("How do I  add a menu?"))
	long := "Explain in detail how to register a custom post type with REST support"
	assert.Equal(t, long[:50]+"...", Title(long))
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type pageSource struct {
	mu    sync.Mutex
	page  ledger.Page
	calls []ledger.Cursor
}

func (p *pageSource) Page(_ context.Context, _ string, before ledger.Cursor, _ int) (ledger.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, before)
	return p.page, nil
}

func (p *pageSource) cursors() []ledger.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ledger.Cursor(nil), p.calls...)
}

type fakeRemote struct {
	calls []string
}

func (f *fakeRemote) Rename(_ context.Context, id, title string) error {
	f.calls = append(f.calls, "rename "+id+" "+title)
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, id string) error {
	f.calls = append(f.calls, "delete "+id)
	return nil
}
