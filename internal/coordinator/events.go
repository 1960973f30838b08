package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/ChamsBouzaiene/wpchat/internal/generation"
	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
	"github.com/ChamsBouzaiene/wpchat/internal/sessionstore"
	"github.com/ChamsBouzaiene/wpchat/internal/transport"
)

// NoticeKind classifies user-facing notices.
type NoticeKind string

const (
	NoticeAuthRequired        NoticeKind = "auth_required"
	NoticeConnectionLost      NoticeKind = "connection_lost"
	NoticeConnectionRestored  NoticeKind = "connection_restored"
	NoticeConnectionFailed    NoticeKind = "connection_failed"
	NoticeStalled             NoticeKind = "stalled"
	NoticeGenerationFailed    NoticeKind = "generation_failed"
	NoticeGenerationRecovered NoticeKind = "generation_recovered"
	NoticeServerError         NoticeKind = "server_error"
)

// Notice is something the UI should surface: a banner, a prompt or a reset
// affordance.
type Notice struct {
	Kind      NoticeKind
	SessionID string
	GroupID   string
	Message   string
	Err       error
	At        time.Time
}

func (c *Coordinator) notify(n Notice) {
	n.SessionID = c.session.ID
	n.At = c.cfg.Now()
	select {
	case c.notices <- n:
	default:
		c.logger.Warn("notice dropped, channel full", "kind", n.Kind)
	}
}

// handleEvent applies one inbound event. Events from a connection that has
// since been replaced are ignored.
func (c *Coordinator) handleEvent(epoch uint64, ev protocol.Event) {
	if epoch != c.epoch || c.led == nil {
		return
	}

	switch e := ev.(type) {
	case protocol.ConnectionEstablishedEvent:
		if e.ConversationID != "" && e.ConversationID != c.session.ID {
			c.logger.Info("server assigned conversation id", "requested", c.session.ID, "assigned", e.ConversationID)
			c.led.Bind(e.ConversationID)
			c.rebind(e.ConversationID)
		}
		if !e.IsNewConversation {
			c.markStarted("server reports an existing conversation")
		}
		return

	case protocol.HistoryPageEvent:
		msgs := lo.Map(e.Messages, func(m protocol.HistoryMessage, _ int) ledger.Message {
			return ledger.FromWire(m)
		})
		if n := c.led.MergeFetched(msgs); n > 0 {
			c.record(msgs...)
		}
		if hasUserTurn(c.led) {
			c.markStarted("history contains user messages")
		}
		c.resolveStall()
		return

	case protocol.ErrorEvent:
		if e.Group() == "" {
			c.logger.Warn("server error", "session_id", c.session.ID, "code", e.Code, "message", e.Message)
			c.notify(Notice{Kind: NoticeServerError, Message: e.Message})
			return
		}
	}

	next, out := generation.Apply(c.task, ev, c.cfg.Now())
	if !out.Applied {
		c.logger.Debug("event discarded", "session_id", c.session.ID, "kind", ev.Kind(),
			"group_id", ev.Group(), "reason", out.Discarded)
		return
	}
	c.task = next

	if !out.Finished {
		return
	}
	switch c.task.Phase {
	case generation.PhaseComplete:
		c.finalize(ledger.StatusDelivered)
	case generation.PhaseFailed:
		c.finalize(ledger.StatusFailed)
		c.notify(Notice{Kind: NoticeGenerationFailed, GroupID: c.task.GroupID, Message: c.task.FailureReason})
	}
}

// rebind moves the session metadata to the id the server assigned.
func (c *Coordinator) rebind(id string) {
	old := c.session.ID
	c.session.ID = id
	snapshot := c.session
	c.persist(func(s *sessionstore.SessionData) {
		version := s.Version
		*s = snapshot
		s.Version = version
	})
	if old == "" {
		return
	}
	store := c.cfg.Sessions
	c.writes.enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Delete(ctx, old); err != nil {
			c.logger.Warn("delete superseded session metadata", "session_id", old, "error", err)
		}
	})
}

// markStarted freezes the mode of a conversation that already has messages,
// including ones sent from elsewhere that local metadata never saw.
func (c *Coordinator) markStarted(reason string) {
	if c.session.Started {
		return
	}
	c.persist(func(s *sessionstore.SessionData) { s.Started = true })
	c.logger.Debug("conversation marked started", "session_id", c.session.ID, "reason", reason)
}

func hasUserTurn(led *ledger.Ledger) bool {
	return lo.ContainsBy(led.Messages(), func(m ledger.Message) bool {
		return m.Role == ledger.RoleUser
	})
}

// finalize writes the terminal task into the ledger.
func (c *Coordinator) finalize(status ledger.Status) {
	group := c.task.GroupID
	changed, err := c.led.MergeCompletion(group, c.task.Draft, ledger.Completion{
		Status:        status,
		ThinkingTrace: c.task.ThinkingTrace,
		At:            c.cfg.Now(),
	})
	if err != nil {
		c.logger.Error("merge completion", "group_id", group, "error", err)
		return
	}
	if changed {
		if m, ok := c.led.Find(ledger.RoleAssistant, group); ok {
			c.record(m)
		}
	}
	c.persist(func(s *sessionstore.SessionData) { s.LastGroupID = group })
	c.logger.Info("generation finished", "session_id", c.session.ID, "group_id", group,
		"status", status, "chars", len(c.task.Draft))
}

// handleStatus reacts to connection transitions.
func (c *Coordinator) handleStatus(epoch uint64, st transport.Status) {
	if epoch != c.epoch {
		return
	}
	c.connStatus = st
	now := c.cfg.Now()

	switch st.State {
	case transport.StateConnecting:
		if st.ReconnectAttempts == 0 || c.lost {
			return
		}
		c.lost = true
		if c.task.Live() {
			c.task = generation.MarkStalled(c.task, now)
		}
		c.notify(Notice{Kind: NoticeConnectionLost, GroupID: c.task.GroupID, Err: st.LastError})

	case transport.StateConnected:
		if !c.lost {
			return
		}
		c.lost = false
		c.notify(Notice{Kind: NoticeConnectionRestored})
		if c.task.Live() {
			c.requery()
		}

	case transport.StateError:
		c.lost = false
		if c.task.Live() {
			c.task = generation.MarkStalled(c.task, now)
		}
		kind := NoticeConnectionFailed
		if errors.Is(st.LastError, protocol.ErrAuth) {
			kind = NoticeAuthRequired
		}
		c.notify(Notice{Kind: kind, Err: st.LastError})
	}
}

// requery looks up whether the stalled group finished while the connection
// was down. The server is asked over the socket and, when configured, the
// history API is polled as well.
func (c *Coordinator) requery() {
	group := c.task.GroupID
	c.logger.Info("re-querying history for stalled generation", "session_id", c.session.ID, "group_id", group)

	if envelope, err := protocol.EncodeHistoryRequest(c.session.ID, 0, c.cfg.PageSize); err == nil {
		if err := c.conn.Send(envelope); err != nil {
			c.logger.Warn("history request not sent", "error", err)
		}
	}

	if c.cfg.History == nil {
		return
	}
	led, epoch := c.led, c.epoch
	c.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := led.LoadPage(ctx, "", c.cfg.PageSize); err != nil {
			c.logger.Warn("history re-query failed", "group_id", group, "error", err)
			return
		}
		c.post(func() {
			if epoch == c.epoch {
				c.resolveStall()
			}
		})
	})
}

// resolveStall settles the live task from history: if the group's answer is
// already terminal server-side, the task adopts that outcome.
func (c *Coordinator) resolveStall() {
	if !c.task.Live() {
		return
	}
	m, ok := c.led.Find(ledger.RoleAssistant, c.task.GroupID)
	if !ok || !m.Status.Terminal() {
		return
	}

	now := c.cfg.Now()
	switch m.Status {
	case ledger.StatusDelivered:
		c.task, _ = generation.Complete(c.task, m.Content, now)
	case ledger.StatusFailed:
		c.task, _ = generation.Fail(c.task, "failed while disconnected", now)
	case ledger.StatusCancelled:
		c.task, _ = generation.Cancel(c.task, now)
	}
	c.record(m)
	c.logger.Info("stalled generation resolved from history", "session_id", c.session.ID,
		"group_id", m.GroupID, "status", m.Status)
	c.notify(Notice{Kind: NoticeGenerationRecovered, GroupID: m.GroupID, Message: string(m.Status)})
}

// checkStall raises the stalled notice once per stall.
func (c *Coordinator) checkStall() {
	if !generation.StallExceeded(c.task, c.cfg.Now(), c.cfg.StallThreshold) {
		return
	}
	mark := c.task.LastEventAt
	if c.task.Stalled && c.task.StalledAt.After(mark) {
		mark = c.task.StalledAt
	}
	if c.stallNotified.Equal(mark) {
		return
	}
	c.stallNotified = mark
	c.logger.Warn("generation stalled", "session_id", c.session.ID, "group_id", c.task.GroupID,
		"threshold", c.cfg.StallThreshold)
	c.notify(Notice{Kind: NoticeStalled, GroupID: c.task.GroupID,
		Message: "The response is taking longer than expected. You can reset it and try again."})
}

// persist applies mutate to the loop's copy of the session and queues the
// same change for the store.
func (c *Coordinator) persist(mutate func(*sessionstore.SessionData)) {
	mutate(&c.session)
	c.session.UpdatedAt = c.cfg.Now()
	id := c.session.ID
	if id == "" {
		return
	}
	store := c.cfg.Sessions
	c.writes.enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := sessionstore.Save(ctx, store, id, mutate); err != nil {
			c.logger.Warn("save session metadata", "session_id", id, "error", err)
		}
	})
}

// record queues messages for the configured sinks.
func (c *Coordinator) record(msgs ...ledger.Message) {
	if len(c.cfg.Sinks) == 0 || len(msgs) == 0 {
		return
	}
	conv := c.session.ID
	msgs = append([]ledger.Message(nil), msgs...)
	sinks := c.cfg.Sinks
	c.writes.enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, sink := range sinks {
			if err := sink.Record(ctx, conv, msgs...); err != nil {
				c.logger.Warn("record messages", "session_id", conv, "error", err)
			}
		}
	})
}

func isNoSource(err error) bool {
	return errors.Is(err, ledger.ErrNoSource)
}
