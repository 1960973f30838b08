// Package devserver is a reference chat backend speaking the websocket wire
// protocol and the history REST API. It backs `wpchat serve` and the
// end-to-end tests.
package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
	"github.com/ChamsBouzaiene/wpchat/internal/providers"
)

// Config wires a Server.
type Config struct {
	Provider providers.StreamProvider
	// AuthToken, when set, is required as ?token= or a Bearer header.
	AuthToken string
	// SystemPrompt is prepended to every generation.
	SystemPrompt string
	// SearchDelay is the simulated duration of each search phase.
	SearchDelay time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Server is the development backend.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	store    *conversationStore
	upgrader websocket.Upgrader
	echo     *echo.Echo

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	wg       sync.WaitGroup
}

// New creates a Server. A nil provider falls back to echo.
func New(cfg Config) *Server {
	if cfg.Provider == nil {
		cfg.Provider = providers.NewEcho(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a helpful WordPress assistant."
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "devserver"),
		store:    newConversationStore(cfg.Now),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[*wsSession]struct{}),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	e.GET("/ws/chat/", s.handleChat, s.requireToken)
	api := e.Group("/api", s.requireToken)
	api.GET("/conversations/", s.listConversations)
	api.GET("/conversations/:id/messages/", s.listMessages)
	api.POST("/conversations/:id/rename/", s.renameConversation)
	api.DELETE("/conversations/:id/", s.deleteConversation)

	s.echo = e
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("dev backend listening", "addr", addr, "provider", s.cfg.Provider.Name())
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener, closes live sockets and waits for in-flight
// generations.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.DropConnections()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// DropConnections closes every live websocket without a close handshake, as
// a network failure would. Generations keep running and are persisted.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	sessions := make([]*wsSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.drop()
	}
	return len(sessions)
}

// Connections reports the number of live websocket sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Debug("request", "method", c.Request().Method, "path", c.Request().URL.Path,
			"status", c.Response().Status, "duration", time.Since(start), "error", err)
		return err
	}
}

func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.AuthToken == "" {
			return next(c)
		}
		token := c.QueryParam("token")
		if token == "" {
			token = strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		}
		if token != s.cfg.AuthToken {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}
		return next(c)
	}
}

func (s *Server) handleChat(c echo.Context) error {
	mode := c.QueryParam("mode")
	if mode == "" {
		mode = "default"
	}
	convID, isNew := s.store.ensure(c.QueryParam("conversation_id"), mode)

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}

	authMethod := "anonymous"
	if s.cfg.AuthToken != "" {
		authMethod = "token"
	}
	sess := newSession(s, ws, convID, s.logger.With("conversation_id", convID))
	s.track(sess, true)
	defer s.track(sess, false)

	sess.run(isNew, authMethod)
	return nil
}

func (s *Server) track(sess *wsSession, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.sessions[sess] = struct{}{}
	} else {
		delete(s.sessions, sess)
	}
}

type conversationJSON struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Mode         string    `json:"mode,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type pageJSON[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}

func pageLink(c echo.Context, key string, value int) *string {
	q := c.Request().URL.Query()
	q.Set(key, strconv.Itoa(value))
	link := c.Request().URL.Path + "?" + q.Encode()
	return &link
}

func (s *Server) listConversations(c echo.Context) error {
	page, err := intParam(c, "page", 1)
	if err != nil {
		return err
	}
	size, err := intParam(c, "page_size", 20)
	if err != nil {
		return err
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	all := s.store.list()
	out := pageJSON[conversationJSON]{Count: len(all), Results: []conversationJSON{}}
	start := (page - 1) * size
	for i := start; i < len(all) && i < start+size; i++ {
		conv := all[i]
		out.Results = append(out.Results, conversationJSON{
			ID:           conv.ID,
			Title:        conv.Title,
			Mode:         conv.Mode,
			MessageCount: len(conv.Messages),
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		})
	}
	if start+size < len(all) {
		out.Next = pageLink(c, "page", page+1)
	}
	if page > 1 {
		out.Previous = pageLink(c, "page", page-1)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listMessages(c echo.Context) error {
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}
	limit, err := intParam(c, "limit", 20)
	if err != nil {
		return err
	}
	if limit < 1 {
		limit = 20
	}

	msgs, total, more, err := s.store.page(c.Param("id"), offset, limit)
	if errors.Is(err, errNoConversation) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	out := pageJSON[protocol.HistoryMessage]{Count: total, Results: msgs}
	if more {
		out.Next = pageLink(c, "offset", offset+len(msgs))
	}
	if offset > 0 {
		out.Previous = pageLink(c, "offset", max(0, offset-limit))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) renameConversation(c echo.Context) error {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(body.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title must not be empty")
	}
	if err := s.store.rename(c.Param("id"), body.Title); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id"), "title": body.Title})
}

func (s *Server) deleteConversation(c echo.Context) error {
	if !s.store.remove(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return c.NoContent(http.StatusNoContent)
}
