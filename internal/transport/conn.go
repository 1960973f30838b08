package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single established message-oriented connection. Only one
// goroutine may call WriteMessage at a time; Ping and Close are safe to call
// concurrently with the others.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Target identifies the conversation to connect to.
type Target struct {
	SessionID string
	Token     string
	Mode      string
}

// Dialer opens connections for a Target.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target Target) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, target Target) (Conn, error) { return f(ctx, target) }

// WebsocketDialer connects to the chat backend over gorilla/websocket.
type WebsocketDialer struct {
	// BaseURL is the server root, e.g. ws://localhost:8000. The chat endpoint
	// path is appended.
	BaseURL string
	// Path defaults to /ws/chat/.
	Path        string
	ReadTimeout time.Duration
	Dialer      *websocket.Dialer
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	endpoint, err := d.endpoint(target)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if target.Token != "" {
		header.Set("Authorization", "Bearer "+target.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		ce := &ConnectionError{Op: "dial", Err: err}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
			resp.Body.Close()
		}
		return nil, ce
	}
	return newWSConn(ws, d.ReadTimeout), nil
}

func (d *WebsocketDialer) endpoint(target Target) (string, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	path := d.Path
	if path == "" {
		path = "/ws/chat/"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path

	q := u.Query()
	if target.Token != "" {
		q.Set("token", target.Token)
	}
	if target.SessionID != "" {
		q.Set("conversation_id", target.SessionID)
	}
	if target.Mode != "" {
		q.Set("mode", target.Mode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	ws          *websocket.Conn
	readTimeout time.Duration
}

func newWSConn(ws *websocket.Conn, readTimeout time.Duration) *wsConn {
	c := &wsConn{ws: ws, readTimeout: readTimeout}
	if readTimeout > 0 {
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}
	return c
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		ce := &ConnectionError{Op: "read", Err: err}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			ce.CloseCode = closeErr.Code
		}
		return nil, ce
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

func (c *wsConn) Ping() error {
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
		return &ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}
