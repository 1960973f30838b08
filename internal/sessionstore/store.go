// Package sessionstore keeps per-conversation metadata (title, mode, search
// toggles) with optimistic versioning, in memory, in JSON files or in Redis.
package sessionstore

import (
	"context"
	"errors"
	"time"
)

// Common errors for session store operations.
var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrVersionConflict  = errors.New("session version conflict")
	ErrNotFound         = errors.New("session not found")
)

// SessionData is the persisted metadata of one conversation.
type SessionData struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Mode                string    `json:"mode"`
	VectorSearchEnabled bool      `json:"vector_search_enabled"`
	WebSearchEnabled    bool      `json:"web_search_enabled"`
	Started             bool      `json:"started"` // first message sent; mode is frozen
	MessageCount        int       `json:"message_count"`
	LastGroupID         string    `json:"last_group_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	Version             int64     `json:"version"` // Monotonically increasing for optimistic locking
}

// Store defines the interface for session metadata storage.
type Store interface {
	// Create stores a new session with Version set to 1. CreatedAt is kept
	// when already set.
	Create(ctx context.Context, data *SessionData) error

	// Get retrieves a session by ID.
	// Returns nil if the session is not found (not an error).
	Get(ctx context.Context, id string) (*SessionData, error)

	// Update persists data if its Version matches the stored one, then
	// increments Version and bumps UpdatedAt.
	// Returns ErrVersionConflict if the version does not match.
	// Returns ErrNotFound if the session does not exist.
	Update(ctx context.Context, data *SessionData) error

	// Delete deletes a session by ID.
	Delete(ctx context.Context, id string) error

	// Close closes the store and releases any resources.
	Close() error
}

// Save writes data, creating it when missing and retrying once on a version
// conflict with the stored version. mutate is applied to whichever record is
// written, so concurrent writers do not lose each other's fields.
func Save(ctx context.Context, s Store, id string, mutate func(*SessionData)) (*SessionData, error) {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			data := &SessionData{ID: id}
			mutate(data)
			if err := s.Create(ctx, data); err != nil {
				return nil, err
			}
			return data, nil
		}

		next := *current
		mutate(&next)
		err = s.Update(ctx, &next)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrVersionConflict
}
