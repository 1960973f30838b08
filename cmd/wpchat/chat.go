package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/wpchat/internal/config"
	"github.com/ChamsBouzaiene/wpchat/internal/coordinator"
	"github.com/ChamsBouzaiene/wpchat/internal/generation"
	"github.com/ChamsBouzaiene/wpchat/internal/history"
	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
	"github.com/ChamsBouzaiene/wpchat/internal/sessionstore"
	"github.com/ChamsBouzaiene/wpchat/internal/transport"
)

func chatCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Start or resume a conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return runChat(cmd.Context(), id, mode)
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Mode for a new conversation (default|agent)")
	return cmd
}

func runChat(ctx context.Context, conversationID, mode string) error {
	log, logFile := chatLogger()
	defer logFile.Close()

	env, err := prepareRuntimeEnv(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer env.Close()

	policy := transport.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxReconnectAttempts
	heartbeat := cfg.HeartbeatInterval.Std()

	coord := coordinator.New(coordinator.Config{
		NewConnection: func() coordinator.Connection {
			return transport.NewManager(transport.Config{
				Dialer:            &transport.WebsocketDialer{BaseURL: cfg.ServerURL, ReadTimeout: 2 * heartbeat},
				Policy:            policy,
				QueueDepth:        cfg.QueueDepth,
				HeartbeatInterval: heartbeat,
				Logger:            log,
			})
		},
		History:        env.source,
		Remote:         env.hist,
		Sessions:       env.sessions,
		Sinks:          env.sinks,
		Token:          cfg.AuthToken,
		DefaultMode:    cfg.DefaultMode,
		Defaults:       cfg.GenerationDefaults(),
		StallThreshold: cfg.StallThreshold.Std(),
		Logger:         log,
	})
	defer coord.Close()

	if cfgManager.Exists() {
		watcher, err := config.NewWatcher(cfgManager, func(c *config.Config) {
			_ = coord.SetDefaults(context.Background(), c.GenerationDefaults())
			if flags.token == "" {
				env.hist.SetToken(c.AuthToken)
				_ = coord.SetToken(context.Background(), c.AuthToken)
			}
		}, log)
		if err == nil {
			err = watcher.Start()
		}
		if err != nil {
			log.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	term := newTerminal(os.Stdout)
	go func() {
		for n := range coord.Notices() {
			term.notice(n)
		}
	}()

	r := &repl{coord: coord, env: env, term: term, lines: readLines(), sigs: make(chan os.Signal, 1)}
	signal.Notify(r.sigs, os.Interrupt)
	defer signal.Stop(r.sigs)

	term.info("wpchat %s connected to %s. Type /help for commands.", version, cfg.ServerURL)
	r.open(ctx, conversationID)
	if mode != "" {
		if err := coord.SetMode(ctx, mode); err != nil {
			term.errorf("%v", err)
		}
	}
	return r.run(ctx)
}

// readLines feeds stdin lines to a channel so the REPL can also watch for
// signals and streaming progress.
func readLines() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(os.Stdin)
		s.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for s.Scan() {
			lines <- s.Text()
		}
	}()
	return lines
}

type repl struct {
	coord *coordinator.Coordinator
	env   *runtimeEnv
	term  *terminal
	lines <-chan string
	sigs  chan os.Signal
}

func (r *repl) run(ctx context.Context) error {
	for {
		r.term.prompt()
		select {
		case <-ctx.Done():
			return nil
		case <-r.sigs:
			r.term.println("")
			return nil
		case line, ok := <-r.lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle runs one line of input. It reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	name, arg, isCommand := parseCommand(line)
	if !isCommand {
		if strings.TrimSpace(line) == "" {
			return false
		}
		group, err := r.coord.Send(ctx, line, protocol.Options{})
		if err != nil {
			r.reportSendError(err)
			return false
		}
		r.stream(ctx, group)
		return false
	}

	switch name {
	case "quit", "exit", "q":
		return true
	case "help", "h", "?":
		r.term.println(helpText)
	case "cancel":
		r.cancelLive(ctx)
	case "regen":
		r.regenerate(ctx)
	case "reset":
		r.resetLive(ctx)
	case "reconnect":
		if err := r.coord.Reconnect(ctx); err != nil {
			r.term.errorf("%v", err)
		} else {
			r.term.info("Connected.")
		}
	case "new":
		r.open(ctx, "")
	case "switch":
		if arg == "" {
			r.term.warn("usage: /switch <conversation-id>")
			break
		}
		r.open(ctx, arg)
	case "list":
		r.list(ctx)
	case "history":
		r.loadOlder(ctx)
	case "rename":
		if err := r.coord.Rename(ctx, arg); err != nil {
			r.term.errorf("%v", err)
		} else {
			r.term.info("Renamed to %q.", arg)
		}
	case "delete":
		r.delete(ctx)
	case "mode":
		if err := r.coord.SetMode(ctx, arg); err != nil {
			r.term.errorf("%v", err)
		} else {
			r.term.info("Mode set to %s.", arg)
		}
	case "web", "vector":
		on, err := parseToggle(arg)
		if err != nil {
			r.term.warn("%v", err)
			break
		}
		var web, vector *bool
		if name == "web" {
			web = &on
		} else {
			vector = &on
		}
		if err := r.coord.SetSearch(ctx, web, vector); err != nil {
			r.term.errorf("%v", err)
		} else {
			r.term.info("%s search %s.", name, arg)
		}
	case "status":
		r.status(ctx)
	default:
		r.term.warn("unknown command /%s, try /help", name)
	}
	return false
}

func (r *repl) reportSendError(err error) {
	switch {
	case errors.Is(err, protocol.ErrConflict):
		r.term.warn("An answer is still being generated. Use /cancel or /reset first.")
	case errors.Is(err, protocol.ErrBackpressure):
		r.term.warn("Too many pending messages. Wait for the connection to catch up and try again.")
	default:
		r.term.errorf("%v", err)
	}
}

// open switches to conversationID (a new one when empty) and prints its
// transcript.
func (r *repl) open(ctx context.Context, conversationID string) {
	if err := r.coord.SwitchSession(ctx, conversationID); err != nil {
		r.term.errorf("%v", err)
	}
	v, err := r.coord.View(ctx)
	if err != nil {
		return
	}
	if len(v.Messages) == 0 {
		r.term.info("New conversation %s (%s mode).", v.Session.ID, v.Session.Mode)
		return
	}
	r.term.info("Conversation %s: %s", v.Session.ID, v.Session.Title)
	if v.HasMore {
		r.term.info("(older messages available, /history to load)")
	}
	for _, m := range v.Messages {
		r.term.println(formatMessage(m))
	}
}

// stream renders the live answer for group until it settles. Ctrl+C and
// /cancel stop it; /reset abandons it.
func (r *repl) stream(ctx context.Context, group string) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var (
		printed   string
		lastLabel string
		started   bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.sigs:
			_ = r.coord.Cancel(ctx, group)
		case line, ok := <-r.lines:
			if !ok {
				_ = r.coord.Cancel(ctx, group)
				return
			}
			switch name, _, _ := parseCommand(line); name {
			case "cancel":
				_ = r.coord.Cancel(ctx, group)
			case "reset":
				if err := r.coord.Reset(ctx, group); err != nil {
					r.term.errorf("%v", err)
				}
			default:
				r.term.warn("An answer is streaming. Use /cancel, /reset or Ctrl+C.")
			}
		case <-ticker.C:
		}

		v, err := r.coord.View(ctx)
		if err != nil {
			return
		}
		if v.GroupID != group {
			return
		}

		if label := phaseLabel(v.Phase); label != "" && label != lastLabel && !started {
			r.term.info("  %s...", label)
			lastLabel = label
		}

		if m, ok := answerFor(v.Messages, group); ok && m.Content != printed {
			if !started {
				r.term.printf("%s ", formatMessage(ledger.Message{Role: ledger.RoleAssistant}))
				started = true
			}
			if strings.HasPrefix(m.Content, printed) {
				r.term.printf("%s", m.Content[len(printed):])
			} else {
				r.term.printf("\n%s", m.Content)
			}
			printed = m.Content
		}

		if v.Phase.Terminal() {
			if started {
				r.term.println("")
			}
			switch v.Phase {
			case generation.PhaseCancelled:
				r.term.warn("Cancelled.")
			case generation.PhaseFailed:
				r.term.errorf("Failed: %s", v.FailureReason)
			}
			if len(v.SearchResults) > 0 {
				r.term.info("Sources:")
				for _, res := range v.SearchResults {
					r.term.info("  %s %s", res.Title, res.URL)
				}
			}
			return
		}
	}
}

func answerFor(msgs []ledger.Message, group string) (ledger.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == ledger.RoleAssistant && msgs[i].GroupID == group {
			return msgs[i], true
		}
	}
	return ledger.Message{}, false
}

func (r *repl) cancelLive(ctx context.Context) {
	v, err := r.coord.View(ctx)
	if err != nil || v.GroupID == "" || v.Phase.Terminal() {
		r.term.warn("Nothing to cancel.")
		return
	}
	_ = r.coord.Cancel(ctx, v.GroupID)
}

func (r *repl) resetLive(ctx context.Context) {
	v, err := r.coord.View(ctx)
	if err != nil {
		return
	}
	if err := r.coord.Reset(ctx, v.GroupID); err != nil {
		r.term.warn("Nothing to reset.")
	}
}

func (r *repl) regenerate(ctx context.Context) {
	v, err := r.coord.View(ctx)
	if err != nil {
		return
	}
	group := ""
	for i := len(v.Messages) - 1; i >= 0; i-- {
		if v.Messages[i].Role == ledger.RoleUser {
			group = v.Messages[i].GroupID
			break
		}
	}
	if group == "" {
		r.term.warn("Nothing to regenerate yet.")
		return
	}
	if err := r.coord.Regenerate(ctx, group); err != nil {
		r.reportSendError(err)
		return
	}
	r.stream(ctx, group)
}

func (r *repl) loadOlder(ctx context.Context) {
	page, err := r.coord.LoadOlder(ctx)
	if err != nil {
		r.term.errorf("%v", err)
		return
	}
	if len(page.Messages) == 0 {
		r.term.info("No older messages.")
		return
	}
	r.term.info("--- %d older messages ---", len(page.Messages))
	for _, m := range page.Messages {
		r.term.println(formatMessage(m))
	}
}

func (r *repl) list(ctx context.Context) {
	page, err := r.env.hist.ListConversations(ctx, 1, 20)
	if err != nil {
		r.term.errorf("%v", err)
		r.listLocal(ctx)
		return
	}
	now := time.Now()
	for _, c := range page.Results {
		r.term.println(formatConversation(c, now))
	}
	if len(page.Results) == 0 {
		r.term.info("No conversations yet.")
	}
}

// listLocal prints the sessions known to this machine.
func (r *repl) listLocal(ctx context.Context) {
	files, ok := r.env.sessions.(*sessionstore.FileStore)
	if !ok {
		return
	}
	sessions, err := files.List(ctx)
	if err != nil || len(sessions) == 0 {
		return
	}
	r.term.info("Known locally:")
	now := time.Now()
	for _, s := range sessions {
		r.term.println(formatConversation(history.Conversation{
			ID:           s.ID,
			Title:        s.Title,
			Mode:         s.Mode,
			MessageCount: s.MessageCount,
			UpdatedAt:    s.UpdatedAt,
		}, now))
	}
}

func (r *repl) delete(ctx context.Context) {
	id := r.coord.SessionID()
	if err := r.coord.Delete(ctx); err != nil {
		r.term.errorf("%v", err)
		return
	}
	if r.env.cache != nil {
		if err := r.env.cache.DeleteConversation(ctx, id); err != nil {
			r.term.warn("cache: %v", err)
		}
	}
	if r.env.index != nil {
		if err := r.env.index.DeleteConversation(id); err != nil {
			r.term.warn("index: %v", err)
		}
	}
	r.term.info("Deleted %s.", id)
	r.open(ctx, "")
}

func (r *repl) status(ctx context.Context) {
	v, err := r.coord.View(ctx)
	if err != nil {
		return
	}
	conn := string(v.Connection.State)
	if v.Connection.LastError != nil {
		conn += fmt.Sprintf(" (%v)", v.Connection.LastError)
	}
	r.term.info("conversation: %s %q", v.Session.ID, v.Session.Title)
	r.term.info("mode: %s  web search: %t  site search: %t", v.Session.Mode, v.Session.WebSearchEnabled, v.Session.VectorSearchEnabled)
	r.term.info("connection: %s", conn)
	if v.GroupID != "" {
		r.term.info("last generation: %s (%s)", v.GroupID, v.Phase)
	}
}
