// Package transport owns the persistent connection to the chat backend:
// connect, heartbeat, reconnect with backoff and a bounded send queue.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
)

// State is the connection lifecycle position.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// Status is a snapshot of the connection. Other components only read it.
type Status struct {
	State             State
	SessionID         string
	LastError         error
	ReconnectAttempts int
}

// DefaultQueueDepth bounds the outbound queue.
const DefaultQueueDepth = 16

// Config wires a Manager.
type Config struct {
	Dialer            Dialer
	Policy            RetryPolicy
	QueueDepth        int
	HeartbeatInterval time.Duration // 0 disables pings
	Logger            *slog.Logger
	// Rand seeds backoff jitter. Optional.
	Rand *rand.Rand
}

// Manager owns one transport session at a time.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	target   Target
	cancel   context.CancelFunc
	done     chan struct{}
	rnd      *rand.Rand
	retry    []byte // envelope whose write failed, sent first after reconnect
	onEvent  []func(protocol.Event)
	onStatus []func(Status)

	queue   chan []byte
	dropped atomic.Int64
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config) *Manager {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Policy == (RetryPolicy{}) {
		cfg.Policy = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "transport"),
		status: Status{State: StateDisconnected},
		rnd:    rnd,
		queue:  make(chan []byte, cfg.QueueDepth),
	}
}

// OnEvent registers a handler for every decoded inbound event. Handlers run
// on the read goroutine in arrival order and survive reconnects.
func (m *Manager) OnEvent(h func(protocol.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = append(m.onEvent, h)
}

// OnStatus registers a handler for status transitions.
func (m *Manager) OnStatus(h func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = append(m.onStatus, h)
}

// Status returns the current connection snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Dropped returns how many inbound envelopes failed to decode.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	handlers := slices.Clone(m.onStatus)
	m.mu.Unlock()

	m.logger.Debug("connection status", "state", s.State, "session_id", s.SessionID,
		"attempts", s.ReconnectAttempts, "error", s.LastError)
	for _, h := range handlers {
		h(s)
	}
}

// Connect establishes the transport for target. Calling it while a
// connection for the same session is live is a no-op. A failed dial is not
// retried here; the reconnect policy only covers drops of a live connection.
func (m *Manager) Connect(ctx context.Context, target Target) (Status, error) {
	m.mu.Lock()
	running := m.done != nil
	same := m.target.SessionID == target.SessionID
	st := m.status
	m.mu.Unlock()

	if running && same && (st.State == StateConnected || st.State == StateConnecting) {
		return st, nil
	}
	if running {
		m.Disconnect()
	}

	m.mu.Lock()
	m.target = target
	m.mu.Unlock()
	m.setStatus(Status{State: StateConnecting, SessionID: target.SessionID})

	conn, err := m.cfg.Dialer.Dial(ctx, target)
	if err != nil {
		err = wrapDial(err)
		st := Status{State: StateError, SessionID: target.SessionID, LastError: err}
		m.setStatus(st)
		return st, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	st = Status{State: StateConnected, SessionID: target.SessionID}
	m.setStatus(st)
	m.logger.Info("connected", "session_id", target.SessionID)

	go m.supervise(runCtx, conn, target, done)
	return st, nil
}

func wrapDial(err error) error {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Op: "dial", Err: err}
}

// Send enqueues an encoded envelope. While disconnected the envelope waits in
// the queue and is written after reconnect. The only error is ErrBackpressure
// when the queue is full.
func (m *Manager) Send(envelope []byte) error {
	select {
	case m.queue <- envelope:
		return nil
	default:
		return fmt.Errorf("send: %w", protocol.ErrBackpressure)
	}
}

// Disconnect closes the connection, flushing queued envelopes once if the
// connection is up. It always succeeds.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	sessionID := m.status.SessionID
	m.mu.Unlock()

	if done == nil {
		m.drainQueue()
		m.setStatus(Status{State: StateDisconnected, SessionID: sessionID})
		return
	}

	m.setStatus(Status{State: StateDisconnecting, SessionID: sessionID})
	cancel()
	<-done

	m.mu.Lock()
	m.cancel = nil
	m.done = nil
	m.retry = nil
	m.mu.Unlock()

	m.drainQueue()
	m.setStatus(Status{State: StateDisconnected, SessionID: sessionID})
}

func (m *Manager) drainQueue() {
	n := 0
	for {
		select {
		case <-m.queue:
			n++
		default:
			if n > 0 {
				m.logger.Warn("discarded queued envelopes", "count", n)
			}
			return
		}
	}
}

// supervise serves conn until it drops, then reconnects per policy. It exits
// when ctx is cancelled or reconnection is abandoned.
func (m *Manager) supervise(ctx context.Context, conn Conn, target Target, done chan struct{}) {
	defer close(done)

	for {
		err := m.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		m.logger.Warn("connection lost", "session_id", target.SessionID, "error", err)
		if ClassifyConnectionError(err) == RetryClassNonRetryable {
			m.setStatus(Status{State: StateError, SessionID: target.SessionID, LastError: err})
			m.release(done)
			return
		}

		conn, err = m.reconnect(ctx, target, err)
		if err != nil {
			if ctx.Err() == nil {
				m.setStatus(Status{State: StateError, SessionID: target.SessionID, LastError: err})
				m.release(done)
			}
			return
		}
		m.logger.Info("reconnected", "session_id", target.SessionID)
		m.setStatus(Status{State: StateConnected, SessionID: target.SessionID})
	}
}

// release forgets the run loop after it gave up so a later Connect dials fresh.
func (m *Manager) release(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == done {
		m.cancel()
		m.cancel = nil
		m.done = nil
	}
}

func (m *Manager) reconnect(ctx context.Context, target Target, cause error) (Conn, error) {
	policy := m.cfg.Policy
	last := cause
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		m.setStatus(Status{
			State:             StateConnecting,
			SessionID:         target.SessionID,
			LastError:         last,
			ReconnectAttempts: attempt + 1,
		})

		m.mu.Lock()
		delay := policy.Delay(attempt, m.rnd)
		m.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := m.cfg.Dialer.Dial(ctx, target)
		if err == nil {
			return conn, nil
		}
		last = wrapDial(err)
		m.logger.Warn("reconnect failed", "session_id", target.SessionID, "attempt", attempt+1,
			"delay", delay, "error", last)
		if ClassifyConnectionError(last) == RetryClassNonRetryable {
			return nil, last
		}
	}
	return nil, fmt.Errorf("gave up after %d reconnect attempts: %w", policy.MaxAttempts, last)
}

// serve runs the read, write and heartbeat pumps for one connection.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.readPump(conn) })
	g.Go(func() error { return m.writePump(ctx, gctx, conn) })
	if m.cfg.HeartbeatInterval > 0 {
		g.Go(func() error { return m.heartbeat(gctx, conn) })
	}
	return g.Wait()
}

func (m *Manager) readPump(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			m.dropped.Add(1)
			m.logger.Warn("dropped inbound envelope", "error", err)
			continue
		}

		m.mu.Lock()
		handlers := slices.Clone(m.onEvent)
		m.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

// writePump owns conn writes. On shutdown it flushes the queue once when the
// manager is disconnecting, then closes conn to release the read pump.
func (m *Manager) writePump(runCtx, gctx context.Context, conn Conn) error {
	m.mu.Lock()
	pending := m.retry
	m.retry = nil
	m.mu.Unlock()

	if pending != nil {
		if err := conn.WriteMessage(pending); err != nil {
			m.keepForRetry(pending)
			_ = conn.Close()
			return err
		}
	}

	for {
		select {
		case <-gctx.Done():
			if runCtx.Err() != nil {
				m.flush(conn)
			}
			_ = conn.Close()
			return gctx.Err()
		case data := <-m.queue:
			if err := conn.WriteMessage(data); err != nil {
				m.keepForRetry(data)
				_ = conn.Close()
				return err
			}
		}
	}
}

func (m *Manager) keepForRetry(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retry = data
}

func (m *Manager) flush(conn Conn) {
	for {
		select {
		case data := <-m.queue:
			if err := conn.WriteMessage(data); err != nil {
				m.logger.Debug("flush on disconnect failed", "error", err)
				return
			}
		default:
			return
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return err
			}
		}
	}
}
