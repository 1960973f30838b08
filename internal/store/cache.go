// Package store keeps a local copy of conversation transcripts: a sqlite
// cache that can serve history offline and a bleve full-text index.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
)

// ConversationSummary describes a cached conversation.
type ConversationSummary struct {
	ID           string
	MessageCount int
	FirstMessage string
	LastAt       time.Time
}

// SQLiteCache stores every merged message keyed by id.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache opens (or creates) the cache at path.
func NewSQLiteCache(ctx context.Context, path string) (*SQLiteCache, error) {
	// WAL lets readers proceed while the coordinator writes completions.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite doesn't support multiple writers well
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	c := &SQLiteCache{db: db}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return c, nil
}

// Close closes the database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func (c *SQLiteCache) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		status          TEXT NOT NULL,
		group_id        TEXT NOT NULL DEFAULT '',
		thinking_trace  TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, created_at, id);
	`
	_, err := c.db.ExecContext(ctx, schema)
	return err
}

// Record upserts messages for a conversation. A stored row is only replaced
// by a version that is at least as recent.
func (c *SQLiteCache) Record(ctx context.Context, conversationID string, msgs ...ledger.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, status, group_id, thinking_trace, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content        = excluded.content,
			status         = excluded.status,
			thinking_trace = excluded.thinking_trace,
			updated_at     = excluded.updated_at
		WHERE excluded.updated_at >= messages.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare cache upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		updated := m.UpdatedAt
		if updated.IsZero() {
			updated = m.CreatedAt
		}
		if _, err := stmt.ExecContext(ctx, m.ID, conversationID, string(m.Role), m.Content, string(m.Status),
			m.GroupID, m.ThinkingTrace, m.CreatedAt.UnixNano(), updated.UnixNano()); err != nil {
			return fmt.Errorf("cache message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Page implements ledger.HistorySource over the cache. Cursors are offsets
// counted back from the newest message, matching the REST client.
func (c *SQLiteCache) Page(ctx context.Context, conversationID string, before ledger.Cursor, limit int) (ledger.Page, error) {
	if limit <= 0 {
		limit = 20
	}
	offset := 0
	if before != "" {
		n, err := strconv.Atoi(string(before))
		if err != nil || n < 0 {
			return ledger.Page{}, fmt.Errorf("bad cache cursor %q", before)
		}
		offset = n
	}

	var total int
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&total); err != nil {
		return ledger.Page{}, fmt.Errorf("count cached messages: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, role, content, status, group_id, thinking_trace, created_at, updated_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return ledger.Page{}, fmt.Errorf("query cached messages: %w", err)
	}
	defer rows.Close()

	var msgs []ledger.Message
	for rows.Next() {
		var (
			m                  ledger.Message
			role, status       string
			created, updatedAt int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &status, &m.GroupID, &m.ThinkingTrace, &created, &updatedAt); err != nil {
			return ledger.Page{}, fmt.Errorf("scan cached message: %w", err)
		}
		m.Role = ledger.Role(role)
		m.Status = ledger.Status(status)
		m.CreatedAt = time.Unix(0, created).UTC()
		m.UpdatedAt = time.Unix(0, updatedAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ledger.Page{}, err
	}

	// Newest first from the query; pages hold messages chronologically.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	page := ledger.Page{Messages: msgs, Total: total, HasMore: offset+len(msgs) < total}
	if page.HasMore {
		page.Next = ledger.Cursor(strconv.Itoa(offset + len(msgs)))
	}
	return page, nil
}

// Conversations lists cached conversations, most recently active first.
func (c *SQLiteCache) Conversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT m.conversation_id, COUNT(*), MAX(m.created_at),
			COALESCE((SELECT f.content FROM messages f
				WHERE f.conversation_id = m.conversation_id AND f.role = 'user'
				ORDER BY f.created_at, f.id LIMIT 1), '')
		FROM messages m
		GROUP BY m.conversation_id
		ORDER BY MAX(m.created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cached conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			s    ConversationSummary
			last int64
		)
		if err := rows.Scan(&s.ID, &s.MessageCount, &last, &s.FirstMessage); err != nil {
			return nil, fmt.Errorf("scan cached conversation: %w", err)
		}
		s.LastAt = time.Unix(0, last).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteConversation drops every cached message of a conversation.
func (c *SQLiteCache) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete cached conversation %s: %w", conversationID, err)
	}
	return nil
}
