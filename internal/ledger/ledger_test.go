package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func userMsg(id, group string, sec int) Message {
	return Message{ID: id, Role: RoleUser, Content: "q " + id, Status: StatusDelivered, GroupID: group, CreatedAt: at(sec)}
}

func assistantMsg(id, group, content string, sec int) Message {
	return Message{ID: id, Role: RoleAssistant, Content: content, Status: StatusDelivered, GroupID: group, CreatedAt: at(sec)}
}

type fakeSource struct {
	pages map[Cursor]Page
	err   error
	calls []Cursor
}

func (f *fakeSource) Page(_ context.Context, _ string, before Cursor, _ int) (Page, error) {
	f.calls = append(f.calls, before)
	if f.err != nil {
		return Page{}, f.err
	}
	return f.pages[before], nil
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestAppendOrdersByTimeThenID(t *testing.T) {
	l := New("c1", nil)
	require.True(t, l.Append(userMsg("b", "g2", 10)))
	require.True(t, l.Append(userMsg("c", "g3", 5)))
	require.True(t, l.Append(userMsg("a", "g4", 10)))

	assert.Equal(t, []string{"c", "a", "b"}, ids(l.Messages()))
}

func TestAppendDuplicateIDIsNoop(t *testing.T) {
	l := New("c1", nil)
	require.True(t, l.Append(userMsg("m1", "g1", 1)))

	dup := userMsg("m1", "g1", 99)
	dup.Content = "changed"
	assert.False(t, l.Append(dup))
	assert.Equal(t, 1, l.Len())

	got, ok := l.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "q m1", got.Content)
}

func TestMergeCompletionIdempotent(t *testing.T) {
	l := New("c1", nil)
	l.Append(userMsg("u1", "g1", 1))

	c := Completion{MessageID: "a1", Status: StatusDelivered, At: at(5)}
	changed, err := l.MergeCompletion("g1", "Hi there!", c)
	require.NoError(t, err)
	require.True(t, changed)
	once := l.Messages()

	c.MessageID = "a2"
	c.At = at(9)
	changed, err = l.MergeCompletion("g1", "Hi there!", c)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, once, l.Messages())

	msg, ok := l.Find(RoleAssistant, "g1")
	require.True(t, ok)
	assert.Equal(t, "Hi there!", msg.Content)
	assert.Equal(t, StatusDelivered, msg.Status)
}

func TestMergeCompletionNeverOverwritesCancelled(t *testing.T) {
	l := New("c1", nil)
	l.Append(userMsg("u1", "g1", 1))

	_, err := l.MergeCompletion("g1", "Hi", Completion{Status: StatusCancelled, At: at(2)})
	require.NoError(t, err)

	changed, err := l.MergeCompletion("g1", "Hi there!", Completion{Status: StatusDelivered, At: at(3)})
	require.NoError(t, err)
	assert.False(t, changed)

	msg, _ := l.Find(RoleAssistant, "g1")
	assert.Equal(t, StatusCancelled, msg.Status)
	assert.Equal(t, "Hi", msg.Content)
}

func TestMergeCompletionRejectsNonTerminal(t *testing.T) {
	l := New("c1", nil)
	_, err := l.MergeCompletion("g1", "x", Completion{Status: StatusStreaming})
	assert.Error(t, err)
	_, err = l.MergeCompletion("", "x", Completion{Status: StatusDelivered})
	assert.Error(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestMergeCompletionSortsAfterQuestion(t *testing.T) {
	l := New("c1", nil)
	l.Append(userMsg("u1", "g1", 10))

	_, err := l.MergeCompletion("g1", "answer", Completion{MessageID: "0-early", Status: StatusDelivered, At: at(1)})
	require.NoError(t, err)

	assert.Equal(t, []string{"u1", "0-early"}, ids(l.Messages()))
}

func TestSupersedeKeepsVersion(t *testing.T) {
	l := New("c1", nil)
	l.Append(userMsg("u1", "g1", 1))
	_, _ = l.MergeCompletion("g1", "first answer", Completion{MessageID: "a1", Status: StatusDelivered, At: at(2)})

	old, ok := l.Supersede("g1")
	require.True(t, ok)
	assert.Equal(t, "first answer", old.Content)
	_, found := l.Find(RoleAssistant, "g1")
	assert.False(t, found)

	_, _ = l.MergeCompletion("g1", "second answer", Completion{MessageID: "a2", Status: StatusDelivered, At: at(3)})
	msg, _ := l.Find(RoleAssistant, "g1")
	assert.Equal(t, "second answer", msg.Content)

	versions := l.Versions("g1")
	require.Len(t, versions, 1)
	assert.Equal(t, "a1", versions[0].ID)

	_, ok = l.Supersede("missing")
	assert.False(t, ok)
}

func TestLoadPageLiveWins(t *testing.T) {
	src := &fakeSource{pages: map[Cursor]Page{
		"": {
			Messages: []Message{
				userMsg("u0", "g0", 1),
				assistantMsg("a0", "g0", "old answer", 2),
				{ID: "u1", Role: RoleUser, Content: "stale", Status: StatusDelivered, GroupID: "g1", CreatedAt: at(3)},
				assistantMsg("srv-a1", "g1", "server copy", 4),
			},
			Next:    "p2",
			HasMore: true,
		},
		"p2": {Messages: []Message{userMsg("u-old", "gx", 0)}},
	}}

	l := New("c1", src)
	l.Append(Message{ID: "u1", Role: RoleUser, Content: "live", Status: StatusDelivered, GroupID: "g1", CreatedAt: at(3)})
	_, _ = l.MergeCompletion("g1", "live answer", Completion{MessageID: "a1", Status: StatusDelivered, At: at(4)})

	page, err := l.LoadPage(context.Background(), "", 20)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 4)
	assert.True(t, l.HasMore())

	got, _ := l.Get("u1")
	assert.Equal(t, "live", got.Content)
	ans, _ := l.Find(RoleAssistant, "g1")
	assert.Equal(t, "live answer", ans.Content)
	_, dup := l.Get("srv-a1")
	assert.False(t, dup)
	assert.Equal(t, []string{"u0", "a0", "u1", "a1"}, ids(l.Messages()))

	_, err = l.LoadOlder(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, []Cursor{"", "p2"}, src.calls)
	assert.False(t, l.HasMore())
	assert.Equal(t, "u-old", l.Messages()[0].ID)

	// Nothing more to fetch.
	_, err = l.LoadOlder(context.Background(), 20)
	require.NoError(t, err)
	assert.Len(t, src.calls, 2)
}

func TestRefetchingNewestPageKeepsPagination(t *testing.T) {
	src := &fakeSource{pages: map[Cursor]Page{
		"":   {Messages: []Message{userMsg("u3", "g3", 30)}, Next: "p2", HasMore: true},
		"p2": {Messages: []Message{userMsg("u2", "g2", 20)}, Next: "p3", HasMore: true},
		"p3": {Messages: []Message{userMsg("u1", "g1", 10)}},
	}}
	l := New("c1", src)
	ctx := context.Background()

	_, err := l.LoadPage(ctx, "", 1)
	require.NoError(t, err)
	_, err = l.LoadOlder(ctx, 1)
	require.NoError(t, err)

	// A reconnect refreshes the newest page.
	_, err = l.LoadPage(ctx, "", 1)
	require.NoError(t, err)
	assert.True(t, l.HasMore())

	_, err = l.LoadOlder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []Cursor{"", "p2", "", "p3"}, src.calls)
	assert.False(t, l.HasMore())

	_, err = l.LoadPage(ctx, "", 1)
	require.NoError(t, err)
	assert.False(t, l.HasMore())
	assert.Equal(t, []string{"u1", "u2", "u3"}, ids(l.Messages()))
}

func TestLoadPageSkipsSupersededVersions(t *testing.T) {
	src := &fakeSource{pages: map[Cursor]Page{
		"": {Messages: []Message{assistantMsg("a1", "g1", "first answer", 2)}},
	}}
	l := New("c1", src)
	l.Append(userMsg("u1", "g1", 1))
	_, _ = l.MergeCompletion("g1", "first answer", Completion{MessageID: "a1", Status: StatusDelivered, At: at(2)})
	l.Supersede("g1")

	_, err := l.LoadPage(context.Background(), "", 10)
	require.NoError(t, err)
	_, found := l.Find(RoleAssistant, "g1")
	assert.False(t, found)
}

func TestMergeFetchedAfterRegenerate(t *testing.T) {
	l := New("c1", nil)
	l.Append(userMsg("u1", "g1", 1))
	_, _ = l.MergeCompletion("g1", "first answer", Completion{MessageID: "a1", Status: StatusDelivered, At: at(5)})
	l.Supersede("g1")

	// The server's copy of the first answer carries its own id.
	assert.Zero(t, l.MergeFetched([]Message{assistantMsg("srv-a1", "g1", "first answer", 4)}))
	_, found := l.Find(RoleAssistant, "g1")
	assert.False(t, found)

	// The regenerated answer, finished while the client was away, is accepted.
	assert.Equal(t, 1, l.MergeFetched([]Message{assistantMsg("srv-a2", "g1", "second answer", 9)}))
	msg, found := l.Find(RoleAssistant, "g1")
	require.True(t, found)
	assert.Equal(t, "second answer", msg.Content)
}

func TestLoadPageErrors(t *testing.T) {
	_, err := New("c1", nil).LoadPage(context.Background(), "", 10)
	assert.ErrorIs(t, err, ErrNoSource)

	boom := errors.New("boom")
	_, err = New("c1", &fakeSource{err: boom}).LoadPage(context.Background(), "", 10)
	assert.ErrorIs(t, err, boom)
}

func TestViewOverlaysDraft(t *testing.T) {
	l := New("c1", nil)
	l.Append(userMsg("u1", "g1", 1))

	view := l.View(&Draft{GroupID: "g1", Text: "Hi th", StartedAt: at(0)})
	require.Len(t, view, 2)
	assert.Equal(t, RoleAssistant, view[1].Role)
	assert.Equal(t, "Hi th", view[1].Content)
	assert.Equal(t, StatusStreaming, view[1].Status)
	assert.False(t, view[1].CreatedAt.Before(view[0].CreatedAt))

	// The draft never lands in the ledger.
	assert.Equal(t, 1, l.Len())
	assert.Len(t, l.View(nil), 1)
}

func TestFromWireDefaults(t *testing.T) {
	m := FromWire(ToWire(Message{ID: "x", Role: RoleAssistant, Content: "c", CreatedAt: at(1)}))
	assert.Equal(t, StatusDelivered, m.Status)
	assert.Equal(t, at(1), m.UpdatedAt)
}
