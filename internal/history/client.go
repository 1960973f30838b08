// Package history talks to the durable conversation history REST API and
// adapts it to the ledger's HistorySource contract.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
)

// DefaultPageSize is used when callers pass a non-positive limit.
const DefaultPageSize = 20

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Mode         string    `json:"mode,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationPage is one page of the conversation list.
type ConversationPage struct {
	Count    int            `json:"count"`
	Next     *string        `json:"next"`
	Previous *string        `json:"previous"`
	Results  []Conversation `json:"results"`
}

// messagePage is the wire shape of a message page.
type messagePage struct {
	Count    int                       `json:"count"`
	Next     *string                   `json:"next"`
	Previous *string                   `json:"previous"`
	Results  []protocol.HistoryMessage `json:"results"`
}

// Client calls the history REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for baseURL (e.g. https://example.com/api).
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "history")
	return c
}

// SetToken swaps the bearer token, e.g. after re-authentication.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ListConversations returns one page of the user's conversations.
func (c *Client) ListConversations(ctx context.Context, page, pageSize int) (ConversationPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	var out ConversationPage
	if err := c.do(ctx, http.MethodGet, "/conversations/", q, nil, &out); err != nil {
		return ConversationPage{}, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// Messages fetches messages of a conversation, newest first, starting offset
// messages back from the newest.
func (c *Client) Messages(ctx context.Context, conversationID string, offset, limit int) (ledger.Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	var wire messagePage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages/"
	err := c.do(ctx, http.MethodGet, path, q, nil, &wire)
	if errors.Is(err, errNotFound) {
		// Not persisted yet: a brand new conversation has no history.
		return ledger.Page{}, nil
	}
	if err != nil {
		return ledger.Page{}, fmt.Errorf("fetch messages for %s: %w", conversationID, err)
	}

	msgs := lo.Map(wire.Results, func(m protocol.HistoryMessage, _ int) ledger.Message {
		return ledger.FromWire(m)
	})
	page := ledger.Page{Messages: chronological(msgs), Total: wire.Count, HasMore: wire.Next != nil}
	if page.HasMore {
		page.Next = ledger.Cursor(strconv.Itoa(offset + len(wire.Results)))
	}
	return page, nil
}

// Page implements ledger.HistorySource. The cursor is the offset of the
// next older page.
func (c *Client) Page(ctx context.Context, conversationID string, before ledger.Cursor, limit int) (ledger.Page, error) {
	offset := 0
	if before != "" {
		n, err := strconv.Atoi(string(before))
		if err != nil || n < 0 {
			return ledger.Page{}, fmt.Errorf("%w: bad history cursor %q", protocol.ErrValidation, before)
		}
		offset = n
	}
	return c.Messages(ctx, conversationID, offset, limit)
}

// Rename sets the conversation title.
func (c *Client) Rename(ctx context.Context, conversationID, title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title must not be empty", protocol.ErrValidation)
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/rename/"
	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPost, path, nil, body, nil); err != nil {
		return fmt.Errorf("rename conversation %s: %w", conversationID, err)
	}
	return nil
}

// Delete removes a conversation. Deleting one that no longer exists succeeds.
func (c *Client) Delete(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/"
	err := c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	if err != nil && !errors.Is(err, errNotFound) {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	return nil
}

var errNotFound = errors.New("not found")

// StatusError is a non-2xx response that is neither auth nor not-found.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Is treats server-side failures as transient network errors.
func (e *StatusError) Is(target error) bool {
	return target == protocol.ErrNetwork && e.StatusCode >= 500
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", protocol.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("history request", "method", method, "path", path, "status", resp.StatusCode,
		"duration", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s returned %d", protocol.ErrAuth, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", protocol.ErrDecode, path, err)
	}
	return nil
}

// chronological reverses a newest-first slice in place and returns it.
func chronological(msgs []ledger.Message) []ledger.Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}
