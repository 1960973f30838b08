package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChamsBouzaiene/wpchat/internal/generation"
	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
	"github.com/ChamsBouzaiene/wpchat/internal/sessionstore"
	"github.com/ChamsBouzaiene/wpchat/internal/transport"
)

// Conversation modes.
const (
	ModeDefault = "default"
	ModeAgent   = "agent"
)

const titleLimit = 50

// Title derives a conversation title from its first user message.
func Title(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= titleLimit {
		return text
	}
	return string(r[:titleLimit]) + "..."
}

func errNoSession() error {
	return fmt.Errorf("%w: no active session", protocol.ErrValidation)
}

func errConflict(live string) error {
	return fmt.Errorf("%w: generation %s is still running", protocol.ErrConflict, live)
}

// Send posts a new user message and starts its generation. It returns the
// message group id. ErrConflict is returned while another generation is
// live and ErrBackpressure when the outbound queue is full; in both cases
// nothing is recorded.
func (c *Coordinator) Send(ctx context.Context, text string, opts protocol.Options) (string, error) {
	var group string
	err := c.do(ctx, func() error {
		if c.led == nil {
			return errNoSession()
		}
		if c.task.Live() {
			return errConflict(c.task.GroupID)
		}

		group = protocol.NewGroupID()
		envelope, err := protocol.EncodeSend(text, group, c.optionsLocked().Merge(opts))
		if err != nil {
			return err
		}
		if err := c.conn.Send(envelope); err != nil {
			return err
		}

		now := c.cfg.Now()
		user := ledger.Message{
			ID:        ledger.NewMessageID(),
			Role:      ledger.RoleUser,
			Content:   text,
			Status:    ledger.StatusDelivered,
			GroupID:   group,
			CreatedAt: now,
			UpdatedAt: now,
		}
		c.led.Append(user)
		c.task = generation.NewTask(group, now)
		c.record(user)

		title := ""
		if c.session.Title == "" {
			title = Title(text)
		}
		c.persist(func(s *sessionstore.SessionData) {
			s.Started = true
			s.MessageCount++
			s.LastGroupID = group
			if s.Title == "" {
				s.Title = title
			}
		})
		c.logger.Info("message sent", "session_id", c.session.ID, "group_id", group)
		return nil
	})
	if err != nil {
		return "", err
	}
	return group, nil
}

// Regenerate asks for a new answer to an existing group. The previous answer
// leaves the live view and is kept as an earlier version.
func (c *Coordinator) Regenerate(ctx context.Context, groupID string) error {
	return c.do(ctx, func() error {
		if c.led == nil {
			return errNoSession()
		}
		if c.task.Live() {
			return errConflict(c.task.GroupID)
		}
		question, ok := c.led.Find(ledger.RoleUser, groupID)
		if !ok {
			return fmt.Errorf("%w: unknown message group %q", protocol.ErrValidation, groupID)
		}

		envelope, err := protocol.EncodeSend(question.Content, groupID, c.optionsLocked())
		if err != nil {
			return err
		}
		if err := c.conn.Send(envelope); err != nil {
			return err
		}

		c.led.Supersede(groupID)
		c.task = generation.NewRegeneration(groupID, c.cfg.Now())
		c.persist(func(s *sessionstore.SessionData) { s.LastGroupID = groupID })
		c.logger.Info("regenerating", "session_id", c.session.ID, "group_id", groupID)
		return nil
	})
}

// Cancel stops the live generation of groupID immediately. The server is
// told with a fire-and-forget command; its answer is not awaited. Cancelling
// a group that is not generating is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, groupID string) error {
	return c.do(ctx, func() error {
		if c.task.GroupID != groupID || !c.task.Live() {
			return nil
		}
		c.cancelInPlace("cancelled by user")
		return nil
	})
}

// cancelInPlace cancels the live task, records what was streamed and tells
// the server.
func (c *Coordinator) cancelInPlace(reason string) {
	if !c.task.Live() {
		return
	}
	group := c.task.GroupID
	c.task, _ = generation.Cancel(c.task, c.cfg.Now())
	c.finalize(ledger.StatusCancelled)

	if envelope, err := protocol.EncodeCommand(protocol.CommandCancel, group); err == nil && c.conn != nil {
		if err := c.conn.Send(envelope); err != nil {
			c.logger.Warn("cancel command not sent", "group_id", group, "error", err)
		}
	}
	c.logger.Info("generation cancelled", "session_id", c.session.ID, "group_id", group, "reason", reason)
}

// Reset abandons a stuck generation: the answer is recorded as failed with
// the partial draft, and the user may send again.
func (c *Coordinator) Reset(ctx context.Context, groupID string) error {
	return c.do(ctx, func() error {
		if c.task.GroupID != groupID || !c.task.Live() {
			return fmt.Errorf("%w: no live generation for group %q", protocol.ErrValidation, groupID)
		}
		c.task, _ = generation.Fail(c.task, "reset by user", c.cfg.Now())
		c.finalize(ledger.StatusFailed)

		if envelope, err := protocol.EncodeCommand(protocol.CommandCancel, groupID); err == nil {
			if err := c.conn.Send(envelope); err != nil {
				c.logger.Warn("cancel command not sent", "group_id", groupID, "error", err)
			}
		}
		c.logger.Info("generation reset", "session_id", c.session.ID, "group_id", groupID)
		return nil
	})
}

// SwitchSession tears down the active session, cancelling its live
// generation in place, and opens sessionID. An empty id starts a new
// conversation. The returned error reports a failed connection; the new
// session is active either way and can be retried with Reconnect.
func (c *Coordinator) SwitchSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		sessionID = protocol.NewGroupID()
	}
	stored, err := c.loadSession(ctx, sessionID)
	if err != nil {
		c.logger.Warn("load session metadata", "session_id", sessionID, "error", err)
		stored = nil
	}

	var (
		old    Connection
		conn   Connection
		led    *ledger.Ledger
		target transport.Target
	)
	err = c.do(ctx, func() error {
		c.cancelInPlace("switching session")
		old = c.conn

		c.epoch++
		epoch := c.epoch
		conn = c.cfg.NewConnection()
		conn.OnEvent(func(ev protocol.Event) { c.post(func() { c.handleEvent(epoch, ev) }) })
		conn.OnStatus(func(st transport.Status) { c.post(func() { c.handleStatus(epoch, st) }) })

		c.conn = conn
		c.led = ledger.New(sessionID, c.cfg.History)
		led = c.led
		c.task = generation.Task{}
		c.lost = false
		c.connStatus = transport.Status{State: transport.StateDisconnected, SessionID: sessionID}

		if stored != nil {
			c.session = *stored
		} else {
			now := c.cfg.Now()
			c.session = sessionstore.SessionData{
				ID:                  sessionID,
				Mode:                c.cfg.DefaultMode,
				WebSearchEnabled:    boolOr(c.defaults.DoWebSearch, protocol.DefaultDoWebSearch),
				VectorSearchEnabled: boolOr(c.defaults.DoVectorSearch, protocol.DefaultDoVectorSearch),
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			seed := c.session
			c.persist(func(s *sessionstore.SessionData) {
				s.Mode = seed.Mode
				s.WebSearchEnabled = seed.WebSearchEnabled
				s.VectorSearchEnabled = seed.VectorSearchEnabled
				s.CreatedAt = seed.CreatedAt
			})
		}
		target = c.targetLocked()
		return nil
	})
	if err != nil {
		return err
	}

	// The old connection is fully down, flushing the cancel, before the new
	// one dials.
	if old != nil {
		old.Disconnect()
	}
	c.logger.Info("switching session", "session_id", sessionID)

	if _, err := led.LoadPage(ctx, "", c.cfg.PageSize); err != nil && !isNoSource(err) {
		c.logger.Warn("initial history load failed", "session_id", sessionID, "error", err)
	} else if hasUserTurn(led) {
		err := c.do(ctx, func() error {
			if c.led == led {
				c.markStarted("history contains user messages")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if _, err := conn.Connect(ctx, target); err != nil {
		return fmt.Errorf("connect session %s: %w", sessionID, err)
	}
	return nil
}

// loadSession reads session metadata after every queued write has landed.
func (c *Coordinator) loadSession(ctx context.Context, id string) (*sessionstore.SessionData, error) {
	type result struct {
		data *sessionstore.SessionData
		err  error
	}
	ch := make(chan result, 1)
	store := c.cfg.Sessions
	c.writes.enqueue(func() {
		data, err := store.Get(ctx, id)
		ch <- result{data, err}
	})
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Reconnect re-dials the active session after the connection gave up or the
// token was refreshed.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	var (
		conn   Connection
		target transport.Target
	)
	err := c.do(ctx, func() error {
		if c.conn == nil {
			return errNoSession()
		}
		conn, target = c.conn, c.targetLocked()
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := conn.Connect(ctx, target); err != nil {
		return fmt.Errorf("reconnect session %s: %w", target.SessionID, err)
	}
	return nil
}

// SetToken replaces the credential used by later connects.
func (c *Coordinator) SetToken(ctx context.Context, token string) error {
	return c.do(ctx, func() error {
		c.token = token
		return nil
	})
}

// SetDefaults replaces the generation defaults applied to later sends.
func (c *Coordinator) SetDefaults(ctx context.Context, opts protocol.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	return c.do(ctx, func() error {
		c.defaults = opts
		return nil
	})
}

// SetSearch toggles web and vector search for the session. Nil leaves a
// toggle unchanged.
func (c *Coordinator) SetSearch(ctx context.Context, web, vector *bool) error {
	return c.do(ctx, func() error {
		if c.led == nil {
			return errNoSession()
		}
		c.persist(func(s *sessionstore.SessionData) {
			if web != nil {
				s.WebSearchEnabled = *web
			}
			if vector != nil {
				s.VectorSearchEnabled = *vector
			}
		})
		return nil
	})
}

// SetMode changes the conversation mode. The mode is fixed once the first
// message was sent. The connection is re-dialled so the server sees it.
func (c *Coordinator) SetMode(ctx context.Context, mode string) error {
	if mode != ModeDefault && mode != ModeAgent {
		return fmt.Errorf("%w: mode must be %s or %s", protocol.ErrValidation, ModeDefault, ModeAgent)
	}
	var (
		conn   Connection
		target transport.Target
		redial bool
	)
	err := c.do(ctx, func() error {
		if c.led == nil {
			return errNoSession()
		}
		if c.session.Started {
			return fmt.Errorf("%w: mode cannot change after the conversation started", protocol.ErrValidation)
		}
		if c.session.Mode == mode {
			return nil
		}
		c.persist(func(s *sessionstore.SessionData) { s.Mode = mode })
		conn, target = c.conn, c.targetLocked()
		redial = c.connStatus.State == transport.StateConnected || c.connStatus.State == transport.StateConnecting
		return nil
	})
	if err != nil || !redial {
		return err
	}
	conn.Disconnect()
	if _, err := conn.Connect(ctx, target); err != nil {
		return fmt.Errorf("reconnect with mode %s: %w", mode, err)
	}
	return nil
}

// Rename sets the conversation title locally and on the backend.
func (c *Coordinator) Rename(ctx context.Context, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title must not be empty", protocol.ErrValidation)
	}
	id := c.SessionID()
	if id == "" {
		return errNoSession()
	}
	if c.cfg.Remote != nil {
		if err := c.cfg.Remote.Rename(ctx, id, title); err != nil {
			return err
		}
	}
	return c.do(ctx, func() error {
		if c.session.ID != id {
			return nil
		}
		c.persist(func(s *sessionstore.SessionData) { s.Title = title })
		return nil
	})
}

// Delete removes the active conversation everywhere and closes it.
func (c *Coordinator) Delete(ctx context.Context) error {
	id := c.SessionID()
	if id == "" {
		return errNoSession()
	}
	if c.cfg.Remote != nil {
		if err := c.cfg.Remote.Delete(ctx, id); err != nil {
			return err
		}
	}

	var conn Connection
	err := c.do(ctx, func() error {
		c.cancelInPlace("conversation deleted")
		store := c.cfg.Sessions
		// Queued behind pending session writes so none of them recreates it.
		c.writes.enqueue(func() {
			if err := store.Delete(context.Background(), id); err != nil {
				c.logger.Warn("delete session metadata", "session_id", id, "error", err)
			}
		})
		conn = c.conn
		c.conn, c.led = nil, nil
		c.task = generation.Task{}
		c.session = sessionstore.SessionData{}
		c.connStatus = transport.Status{State: transport.StateDisconnected}
		c.epoch++
		return nil
	})
	if conn != nil {
		conn.Disconnect()
	}
	return err
}

// LoadOlder fetches the next page of older history into the ledger.
func (c *Coordinator) LoadOlder(ctx context.Context) (ledger.Page, error) {
	var led *ledger.Ledger
	err := c.do(ctx, func() error {
		if c.led == nil {
			return errNoSession()
		}
		led = c.led
		return nil
	})
	if err != nil {
		return ledger.Page{}, err
	}
	page, err := led.LoadOlder(ctx, c.cfg.PageSize)
	if isNoSource(err) {
		return ledger.Page{}, nil
	}
	return page, err
}

// RequestHistory asks the server for a history page over the websocket. The
// answer is merged when it arrives.
func (c *Coordinator) RequestHistory(ctx context.Context, offset, limit int) error {
	return c.do(ctx, func() error {
		if c.conn == nil {
			return errNoSession()
		}
		envelope, err := protocol.EncodeHistoryRequest(c.session.ID, offset, limit)
		if err != nil {
			return err
		}
		return c.conn.Send(envelope)
	})
}

// optionsLocked returns the generation options for the next send: config
// defaults overlaid with the session's search toggles.
func (c *Coordinator) optionsLocked() protocol.Options {
	return c.defaults.Merge(protocol.Options{
		DoWebSearch:    protocol.Bool(c.session.WebSearchEnabled),
		DoVectorSearch: protocol.Bool(c.session.VectorSearchEnabled),
	})
}

func (c *Coordinator) targetLocked() transport.Target {
	return transport.Target{SessionID: c.session.ID, Token: c.token, Mode: c.session.Mode}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
