// Package coordinator owns one active conversation: its connection, the
// in-flight generation task and the message ledger. Every mutation runs on a
// single event loop, so inbound events, user actions and timers never race.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/wpchat/internal/generation"
	"github.com/ChamsBouzaiene/wpchat/internal/history"
	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
	"github.com/ChamsBouzaiene/wpchat/internal/sessionstore"
	"github.com/ChamsBouzaiene/wpchat/internal/transport"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("coordinator closed")

// Connection is the transport the coordinator drives. *transport.Manager
// implements it.
type Connection interface {
	Connect(ctx context.Context, target transport.Target) (transport.Status, error)
	Send(envelope []byte) error
	Disconnect()
	Status() transport.Status
	OnEvent(func(protocol.Event))
	OnStatus(func(transport.Status))
}

// ConnectionFactory creates a fresh Connection for each session.
type ConnectionFactory func() Connection

// Conversations renames and deletes conversations on the history backend.
// *history.Client implements it.
type Conversations interface {
	Rename(ctx context.Context, conversationID, title string) error
	Delete(ctx context.Context, conversationID string) error
}

// Config wires a Coordinator.
type Config struct {
	NewConnection ConnectionFactory
	// History serves durable pages for the ledger. Optional.
	History ledger.HistorySource
	// Remote keeps titles in sync with the backend. Optional.
	Remote Conversations
	// Sessions stores session metadata. Defaults to an in-memory store.
	Sessions sessionstore.Store
	// Sinks receive every message merged into the ledger (local cache, search index).
	Sinks []history.Recorder

	Token       string
	DefaultMode string
	Defaults    protocol.Options

	StallThreshold     time.Duration
	StallCheckInterval time.Duration
	PageSize           int

	Logger *slog.Logger
	Now    func() time.Time
}

// View is a consistent snapshot of the active session for rendering.
type View struct {
	Session       sessionstore.SessionData
	Messages      []ledger.Message // ledger with the live draft overlaid
	GroupID       string
	Phase         generation.Phase
	SearchResults []protocol.SearchResult
	SearchSummary string
	FailureReason string
	Stalled       bool
	StallExceeded bool
	Connection    transport.Status
	HasMore       bool
}

// Coordinator is the session coordinator. Create it with New and release it
// with Close.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	inboxMu sync.Mutex
	inbox   []func()
	closed  bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	bg      sync.WaitGroup
	writes  *serialWorker

	notices chan Notice

	// Loop-owned state.
	session       sessionstore.SessionData
	conn          Connection
	epoch         uint64
	led           *ledger.Ledger
	task          generation.Task
	connStatus    transport.Status
	lost          bool
	stallNotified time.Time
	defaults      protocol.Options
	token         string
}

// New starts a coordinator with no active session. Call SwitchSession to
// open one.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sessions == nil {
		cfg.Sessions = sessionstore.NewMemoryStore()
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = generation.DefaultStallThreshold
	}
	if cfg.StallCheckInterval <= 0 {
		cfg.StallCheckInterval = time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = history.DefaultPageSize
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeDefault
	}

	c := &Coordinator{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "coordinator"),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		notices:  make(chan Notice, 64),
		defaults: cfg.Defaults,
		token:    cfg.Token,
		writes:   newSerialWorker(),
	}
	go c.run()
	return c
}

// Notices delivers user-facing notices. Notices are dropped when the
// channel is full.
func (c *Coordinator) Notices() <-chan Notice {
	return c.notices
}

// post queues f for the loop. It never blocks.
func (c *Coordinator) post(f func()) {
	c.inboxMu.Lock()
	if c.closed {
		c.inboxMu.Unlock()
		return
	}
	c.inbox = append(c.inbox, f)
	c.inboxMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) take() []func() {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	batch := c.inbox
	c.inbox = nil
	return batch
}

// do runs f on the loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, f func() error) error {
	result := make(chan error, 1)
	c.post(func() { result <- f() })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		case <-ticker.C:
			c.checkStall()
		}
		for batch := c.take(); len(batch) > 0; batch = c.take() {
			for _, f := range batch {
				f()
			}
		}
	}
}

// spawn runs f off the loop. Close waits for it.
func (c *Coordinator) spawn(f func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		f()
	}()
}

// Close cancels any live generation, disconnects and stops the loop.
func (c *Coordinator) Close() error {
	var conn Connection
	err := c.do(context.Background(), func() error {
		c.cancelInPlace("closing")
		conn = c.conn
		c.conn = nil
		c.epoch++
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if conn != nil {
		conn.Disconnect()
	}

	c.inboxMu.Lock()
	c.closed = true
	c.inboxMu.Unlock()
	close(c.quit)
	<-c.done
	c.bg.Wait()
	c.writes.stop()
	return nil
}

// View returns a snapshot of the active session.
func (c *Coordinator) View(ctx context.Context) (View, error) {
	var v View
	err := c.do(ctx, func() error {
		v = c.viewLocked()
		return nil
	})
	return v, err
}

func (c *Coordinator) viewLocked() View {
	v := View{
		Session:       c.session,
		GroupID:       c.task.GroupID,
		Phase:         c.task.Phase,
		SearchResults: append([]protocol.SearchResult(nil), c.task.SearchResults...),
		SearchSummary: c.task.SearchSummary,
		FailureReason: c.task.FailureReason,
		Stalled:       c.task.Stalled,
		StallExceeded: generation.StallExceeded(c.task, c.cfg.Now(), c.cfg.StallThreshold),
		Connection:    c.connStatus,
	}
	if v.Phase == "" {
		v.Phase = generation.PhaseIdle
	}
	if c.led == nil {
		return v
	}
	var draft *ledger.Draft
	if c.task.Live() {
		draft = &ledger.Draft{
			GroupID:       c.task.GroupID,
			Text:          c.task.Draft,
			ThinkingTrace: c.task.ThinkingTrace,
			StartedAt:     c.task.StartedAt,
		}
	}
	v.Messages = c.led.View(draft)
	v.HasMore = c.led.HasMore()
	return v
}

// SessionID returns the active conversation id, or "" when none is open.
func (c *Coordinator) SessionID() string {
	var id string
	_ = c.do(context.Background(), func() error {
		id = c.session.ID
		return nil
	})
	return id
}
