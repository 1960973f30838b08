package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
	"github.com/ChamsBouzaiene/wpchat/internal/providers"
)

const historyPageSize = 20

// wsSession serves one websocket connection.
type wsSession struct {
	srv    *Server
	ws     *websocket.Conn
	convID string
	logger *slog.Logger

	writeMu sync.Mutex
	closed  bool

	mu     sync.Mutex
	active map[string]*run
}

// run is one in-flight generation. done closes after its outcome is stored.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(srv *Server, ws *websocket.Conn, convID string, logger *slog.Logger) *wsSession {
	return &wsSession{
		srv:    srv,
		ws:     ws,
		convID: convID,
		logger: logger,
		active: make(map[string]*run),
	}
}

func (s *wsSession) run(isNew bool, authMethod string) {
	defer s.drop()

	s.send(protocol.NewConnectionEstablishedEvent(s.convID, isNew, "dev-user", authMethod))

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket closed", "error", err)
			return
		}
		env, err := protocol.DecodeClient(data)
		if err != nil {
			s.logger.Warn("rejected client envelope", "error", err)
			s.send(protocol.NewErrorEvent("", err.Error(), "invalid_envelope"))
			continue
		}

		switch env := env.(type) {
		case protocol.MessageEnvelope:
			s.startGeneration(env)
		case protocol.CommandEnvelope:
			s.cancel(env.MessageGroupID)
		case protocol.HistoryRequestEnvelope:
			s.answerHistory(env)
		}
	}
}

// drop closes the socket. In-flight generations continue and persist.
func (s *wsSession) drop() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.ws.Close()
}

func (s *wsSession) send(ev protocol.Event) {
	data, err := protocol.MarshalEvent(ev)
	if err != nil {
		s.logger.Error("marshal event", "kind", ev.Kind(), "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("write failed", "kind", ev.Kind(), "error", err)
	}
}

func (s *wsSession) startGeneration(env protocol.MessageEnvelope) {
	group := env.MessageGroupID
	if group == "" {
		group = protocol.NewGroupID()
	}

	// A new message for a running group replaces that run. Its outcome is
	// stored before the replacement starts.
	s.mu.Lock()
	prev := s.active[group]
	s.mu.Unlock()
	if prev != nil {
		s.logger.Info("replacing running generation", "group_id", group)
		prev.cancel()
		<-prev.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[group] = r
	s.mu.Unlock()

	opts := protocol.Options{}
	if env.Options != nil {
		opts = *env.Options
	}
	opts = opts.WithDefaults()

	regenerate := !s.srv.store.addUser(s.convID, group, env.Message)
	s.logger.Info("generation started", "group_id", group, "regenerate", regenerate)

	s.srv.wg.Add(1)
	go func() {
		defer s.srv.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.active[group] == r {
				delete(s.active, group)
			}
			s.mu.Unlock()
			cancel()
			close(r.done)
		}()
		s.generate(ctx, group, env.Message, opts)
	}()
}

func (s *wsSession) cancel(group string) {
	s.mu.Lock()
	r, ok := s.active[group]
	s.mu.Unlock()
	if ok {
		s.logger.Info("generation cancelled by client", "group_id", group)
		r.cancel()
	}
}

func (s *wsSession) generate(ctx context.Context, group, question string, opts protocol.Options) {
	s.send(protocol.NewGenerationStatusEvent(group, protocol.GenerationStarted, "Thinking..."))
	trace := []string{"Thinking..."}

	if *opts.DoWebSearch {
		if !s.search(ctx, group, protocol.SourceWeb, question) {
			s.persistCancelled(group, "", trace)
			return
		}
		trace = append(trace, "Searched the web")
	}
	if *opts.DoVectorSearch {
		if !s.search(ctx, group, protocol.SourceContext, question) {
			s.persistCancelled(group, "", trace)
			return
		}
		trace = append(trace, "Searched site context")
	}

	req := providers.Request{
		Model:       opts.ModelName,
		Messages:    s.prompt(group),
		Temperature: opts.Temperature,
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}

	var text strings.Builder
	var seq int64
	deltas, errs := s.srv.cfg.Provider.Stream(ctx, req)
	for d := range deltas {
		seq++
		text.WriteString(d.Text)
		s.send(protocol.NewTokenEvent(group, d.Text, seq))
	}
	err := <-errs

	switch {
	case ctx.Err() != nil:
		s.persistCancelled(group, text.String(), trace)
	case err != nil:
		code := "provider_error"
		var pe *providers.ProviderError
		if errors.As(err, &pe) {
			code = pe.Code()
		}
		s.logger.Warn("generation failed", "group_id", group, "error", err)
		s.srv.store.putAssistant(s.convID, group, text.String(), "failed", strings.Join(trace, "\n"))
		s.send(protocol.NewErrorEvent(group, err.Error(), code))
	default:
		s.srv.store.putAssistant(s.convID, group, text.String(), "delivered", strings.Join(trace, "\n"))
		s.send(protocol.NewGenerationStatusEvent(group, protocol.GenerationCompleted, ""))
		s.logger.Info("generation completed", "group_id", group, "tokens", seq)
	}
}

func (s *wsSession) persistCancelled(group, text string, trace []string) {
	s.srv.store.putAssistant(s.convID, group, text, "cancelled", strings.Join(trace, "\n"))
}

// search simulates a search phase. It reports false when cancelled.
func (s *wsSession) search(ctx context.Context, group string, source protocol.SearchSource, query string) bool {
	s.send(protocol.NewSearchResultEvent(group, source, protocol.SearchStarted, query, nil))

	if d := s.srv.cfg.SearchDelay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	if ctx.Err() != nil {
		return false
	}

	var results []protocol.SearchResult
	switch source {
	case protocol.SourceWeb:
		results = []protocol.SearchResult{{
			Title:   "WordPress Developer Resources",
			URL:     "https://developer.wordpress.org/?s=" + strings.ReplaceAll(query, " ", "+"),
			Snippet: "Official documentation for " + query,
			Score:   0.9,
		}}
		ev := protocol.NewSearchResultEvent(group, source, protocol.SearchPartialResult, query, results)
		ev.Index, ev.Total = protocol.Int(1), protocol.Int(1)
		s.send(ev)
	case protocol.SourceContext:
		results = []protocol.SearchResult{{Title: "Site context", Snippet: "No indexed site content matched.", Score: 0.1}}
	}

	done := protocol.NewSearchResultEvent(group, source, protocol.SearchCompleted, query, results)
	done.Summary = fmt.Sprintf("%d result(s)", len(results))
	s.send(done)
	return true
}

// prompt builds the provider conversation up to and including group's
// question, leaving out earlier answers to group.
func (s *wsSession) prompt(group string) []providers.Message {
	msgs := []providers.Message{{Role: providers.RoleSystem, Content: s.srv.cfg.SystemPrompt}}
	for _, m := range s.srv.store.turns(s.convID) {
		switch {
		case m.Role == "user":
			msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: m.Content})
			if m.MessageGroupID == group {
				return msgs
			}
		case m.Status == "delivered" && m.MessageGroupID != group:
			msgs = append(msgs, providers.Message{Role: providers.RoleAssistant, Content: m.Content})
		}
	}
	return msgs
}

func (s *wsSession) answerHistory(env protocol.HistoryRequestEnvelope) {
	convID := env.ConversationID
	if convID == "" {
		convID = s.convID
	}
	offset, limit := 0, historyPageSize
	if env.Offset != nil {
		offset = *env.Offset
	}
	if env.Limit != nil && *env.Limit > 0 {
		limit = *env.Limit
	}

	msgs, total, more, err := s.srv.store.page(convID, offset, limit)
	if err != nil {
		s.send(protocol.NewErrorEvent("", "conversation not found", "not_found"))
		return
	}
	ev := protocol.NewHistoryPageEvent(convID, offset, total, more, msgs)
	s.send(ev)
}
