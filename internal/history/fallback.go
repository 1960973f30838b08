package history

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
)

// Recorder receives pages fetched from the remote so they can be served
// offline later.
type Recorder interface {
	Record(ctx context.Context, conversationID string, msgs ...ledger.Message) error
}

// Fallback serves history from Remote and falls back to Local when the
// remote is unreachable. Successful remote pages are written to Sink.
type Fallback struct {
	Remote ledger.HistorySource
	Local  ledger.HistorySource
	Sink   Recorder
	Logger *slog.Logger
}

// Page implements ledger.HistorySource.
func (f *Fallback) Page(ctx context.Context, conversationID string, before ledger.Cursor, limit int) (ledger.Page, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if f.Remote != nil {
		page, err := f.Remote.Page(ctx, conversationID, before, limit)
		if err == nil {
			if f.Sink != nil && len(page.Messages) > 0 {
				if serr := f.Sink.Record(ctx, conversationID, page.Messages...); serr != nil {
					logger.Warn("cache history page", "conversation_id", conversationID, "error", serr)
				}
			}
			return page, nil
		}
		if !errors.Is(err, protocol.ErrNetwork) || f.Local == nil {
			return ledger.Page{}, err
		}
		logger.Warn("history remote unavailable, serving cache", "conversation_id", conversationID, "error", err)
	}

	if f.Local == nil {
		return ledger.Page{}, errors.New("no history source configured")
	}
	return f.Local.Page(ctx, conversationID, before, limit)
}
