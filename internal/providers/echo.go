package providers

import (
	"context"
	"strings"
	"time"
)

// Echo replies with the last user message, one word per delta. It needs no
// credentials and backs local development and tests.
type Echo struct {
	delay time.Duration
}

// NewEcho creates an echo provider that waits delay between deltas.
func NewEcho(delay time.Duration) *Echo {
	return &Echo{delay: delay}
}

func (e *Echo) Name() string { return "echo" }

// Reply is the full text Echo streams for req.
func (e *Echo) Reply(req Request) string {
	var last string
	for _, m := range req.Messages {
		if m.Role == RoleUser {
			last = m.Content
		}
	}
	if strings.TrimSpace(last) == "" {
		return "(empty message)"
	}
	return "You said: " + last
}

// Stream implements StreamProvider.
func (e *Echo) Stream(ctx context.Context, req Request) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta)
	errCh := make(chan error, 1)

	words := strings.SplitAfter(e.Reply(req), " ")
	if req.MaxTokens > 0 && len(words) > req.MaxTokens {
		words = words[:req.MaxTokens]
	}

	go func() {
		defer close(errCh)
		defer close(deltas)

		for _, w := range words {
			if e.delay > 0 {
				timer := time.NewTimer(e.delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					errCh <- ctx.Err()
					return
				case <-timer.C:
				}
			}
			select {
			case deltas <- Delta{Text: w}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return deltas, errCh
}
