package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
)

// Hit is one transcript search result.
type Hit struct {
	MessageID      string
	ConversationID string
	GroupID        string
	Role           string
	Snippet        string
	Score          float64
}

// TranscriptIndex provides full-text search over delivered messages.
type TranscriptIndex struct {
	index  bleve.Index
	path   string
	logger *slog.Logger
}

// NewTranscriptIndex creates or opens the index at path. An empty path keeps
// the index in memory. A corrupted index is deleted and rebuilt empty.
func NewTranscriptIndex(path string, logger *slog.Logger) (*TranscriptIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transcript_index")

	if path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
		return &TranscriptIndex{index: idx, logger: logger}, nil
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create transcript index: %w", err)
		}
		logger.Info("transcript index created", "path", path)
	} else if err != nil {
		logger.Warn("transcript index appears corrupted, recreating", "path", path, "error", err)
		if idx != nil {
			idx.Close()
		}
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return nil, fmt.Errorf("failed to remove corrupted index: %w", rmErr)
		}
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate transcript index: %w", err)
		}
	}
	return &TranscriptIndex{index: idx, path: path, logger: logger}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	for _, name := range []string{"conversation_id", "group_id", "role"} {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = keyword.Name
		f.Store = true
		f.Index = true
		doc.AddFieldMappingsAt(name, f)
	}

	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = true
	content.Index = true
	content.IncludeTermVectors = true
	doc.AddFieldMappingsAt("content", content)

	indexMapping.DefaultMapping = doc
	return indexMapping
}

// Record indexes delivered user and assistant messages. Anything else is skipped.
func (t *TranscriptIndex) Record(_ context.Context, conversationID string, msgs ...ledger.Message) error {
	batch := t.index.NewBatch()
	for _, m := range msgs {
		if m.Status != ledger.StatusDelivered || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role != ledger.RoleUser && m.Role != ledger.RoleAssistant {
			continue
		}
		doc := map[string]any{
			"conversation_id": conversationID,
			"group_id":        m.GroupID,
			"role":            string(m.Role),
			"content":         m.Content,
		}
		if err := batch.Index(m.ID, doc); err != nil {
			return fmt.Errorf("index message %s: %w", m.ID, err)
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	return t.index.Batch(batch)
}

// Search runs a match query over message content. conversationID narrows
// the search when non-empty.
func (t *TranscriptIndex) Search(text, conversationID string, k int) ([]Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}

	match := bleve.NewMatchQuery(text)
	match.SetField("content")

	var q query.Query = match
	if conversationID != "" {
		conv := bleve.NewTermQuery(conversationID)
		conv.SetField("conversation_id")
		q = bleve.NewConjunctionQuery(match, conv)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = k
	req.Fields = []string{"conversation_id", "group_id", "role", "content"}
	req.Highlight = bleve.NewHighlight()
	req.Highlight.AddField("content")

	res, err := t.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("transcript search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{MessageID: h.ID, Score: h.Score}
		hit.ConversationID, _ = h.Fields["conversation_id"].(string)
		hit.GroupID, _ = h.Fields["group_id"].(string)
		hit.Role, _ = h.Fields["role"].(string)
		if frags := h.Fragments["content"]; len(frags) > 0 {
			hit.Snippet = frags[0]
		} else if content, ok := h.Fields["content"].(string); ok {
			hit.Snippet = snippet(content, 160)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeleteConversation removes every indexed message of a conversation.
func (t *TranscriptIndex) DeleteConversation(conversationID string) error {
	for {
		q := bleve.NewTermQuery(conversationID)
		q.SetField("conversation_id")
		req := bleve.NewSearchRequest(q)
		req.Size = 500

		res, err := t.index.Search(req)
		if err != nil {
			return fmt.Errorf("find conversation %s in index: %w", conversationID, err)
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := t.index.NewBatch()
		for _, h := range res.Hits {
			batch.Delete(h.ID)
		}
		if err := t.index.Batch(batch); err != nil {
			return fmt.Errorf("delete conversation %s from index: %w", conversationID, err)
		}
	}
}

// Count returns the number of indexed messages.
func (t *TranscriptIndex) Count() (uint64, error) {
	return t.index.DocCount()
}

// Close closes the index.
func (t *TranscriptIndex) Close() error {
	return t.index.Close()
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
