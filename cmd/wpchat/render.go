package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ChamsBouzaiene/wpchat/internal/coordinator"
	"github.com/ChamsBouzaiene/wpchat/internal/generation"
	"github.com/ChamsBouzaiene/wpchat/internal/history"
	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
	"github.com/ChamsBouzaiene/wpchat/internal/store"
)

// terminal serializes writes from the REPL and the notice printer.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) println(s string) {
	t.printf("%s\n", s)
}

func (t *terminal) info(format string, args ...any) {
	t.println(color.CyanString(format, args...))
}

func (t *terminal) warn(format string, args ...any) {
	t.println(color.YellowString("! "+format, args...))
}

func (t *terminal) errorf(format string, args ...any) {
	t.println(color.RedString("✗ "+format, args...))
}

func (t *terminal) prompt() {
	t.printf("%s ", color.GreenString("you>"))
}

// notice renders a coordinator notice as a one-line banner.
func (t *terminal) notice(n coordinator.Notice) {
	t.println("\n" + formatNotice(n))
}

func formatNotice(n coordinator.Notice) string {
	switch n.Kind {
	case coordinator.NoticeAuthRequired:
		return color.RedString("✗ Authentication required. Update your token with `wpchat config set auth_token <token>` then /reconnect.")
	case coordinator.NoticeConnectionLost:
		return color.YellowString("! Connection lost, reconnecting...")
	case coordinator.NoticeConnectionRestored:
		return color.GreenString("✓ Reconnected.")
	case coordinator.NoticeConnectionFailed:
		return color.RedString("✗ Could not reach the server: %v. Use /reconnect to retry.", n.Err)
	case coordinator.NoticeStalled:
		return color.YellowString("! %s Type /reset to abandon it.", n.Message)
	case coordinator.NoticeGenerationFailed:
		return color.RedString("✗ Generation failed: %s. Use /regen to try again.", n.Message)
	case coordinator.NoticeGenerationRecovered:
		return color.GreenString("✓ Answer recovered from history (%s).", n.Message)
	case coordinator.NoticeServerError:
		return color.RedString("✗ Server error: %s", n.Message)
	}
	return n.Message
}

// formatMessage renders one transcript entry.
func formatMessage(m ledger.Message) string {
	var label string
	switch m.Role {
	case ledger.RoleUser:
		label = color.GreenString("you>")
	case ledger.RoleAssistant:
		label = color.MagentaString("wp>")
	default:
		label = color.HiBlackString(string(m.Role) + ">")
	}
	line := label + " " + m.Content
	switch m.Status {
	case ledger.StatusFailed:
		line += " " + color.RedString("[failed]")
	case ledger.StatusCancelled:
		line += " " + color.YellowString("[cancelled]")
	case ledger.StatusStreaming, ledger.StatusPending:
		line += " " + color.HiBlackString("[...]")
	}
	return line
}

// phaseLabel is the status line shown while a generation is in progress.
func phaseLabel(p generation.Phase) string {
	switch p {
	case generation.PhaseThinking:
		return "thinking"
	case generation.PhaseSearchingWeb:
		return "searching the web"
	case generation.PhaseSearchingContext:
		return "searching site content"
	}
	return ""
}

func formatConversation(c history.Conversation, now time.Time) string {
	title := c.Title
	if title == "" {
		title = "(untitled)"
	}
	return fmt.Sprintf("%s  %s  %s",
		color.HiBlackString(c.ID),
		title,
		color.HiBlackString("%d messages, %s", c.MessageCount, humanize.RelTime(c.UpdatedAt, now, "ago", "from now")))
}

func formatSummary(s store.ConversationSummary, now time.Time) string {
	first := truncate(s.FirstMessage, 50)
	if first == "" {
		first = "(no user message)"
	}
	return fmt.Sprintf("%s  %s  %s",
		color.HiBlackString(s.ID),
		first,
		color.HiBlackString("%d messages, %s", s.MessageCount, humanize.RelTime(s.LastAt, now, "ago", "from now")))
}

func formatHit(h store.Hit) string {
	return fmt.Sprintf("%s %s  %s",
		color.CyanString("[%.2f]", h.Score),
		color.HiBlackString("%s/%s", h.ConversationID, h.Role),
		h.Snippet)
}

// parseCommand splits a REPL line into a slash command and its argument.
func parseCommand(line string) (name, arg string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

// parseToggle reads on/off style switches.
func parseToggle(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

const helpText = `Commands:
  /cancel            Stop the answer being generated
  /regen             Generate a new answer to the last question
  /reset             Abandon a stuck answer
  /reconnect         Reconnect to the server
  /new               Start a new conversation
  /switch <id>       Open another conversation
  /list              List your conversations
  /history           Load older messages
  /rename <title>    Rename this conversation
  /delete            Delete this conversation
  /mode <mode>       Set the mode before the first message (default|agent)
  /web on|off        Toggle web search
  /vector on|off     Toggle site content search
  /status            Show connection and session details
  /quit              Exit
Ctrl+C stops a streaming answer; at the prompt it exits.`
