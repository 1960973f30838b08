package sessionstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore implements Store with one JSON file per session under a
// directory, so metadata survives restarts without a Redis server.
type FileStore struct {
	mu       sync.Mutex
	basePath string
}

// NewFileStore creates a store rooted at dir/sessions.
func NewFileStore(dir string) *FileStore {
	return &FileStore{basePath: filepath.Join(dir, "sessions")}
}

// fileName maps a session id to a file name. Ids come from the server and
// are hashed so they never escape the directory.
func (s *FileStore) fileName(id string) string {
	hash := sha256.Sum256([]byte(id))
	return filepath.Join(s.basePath, hex.EncodeToString(hash[:])[:24]+".json")
}

func (s *FileStore) read(id string) (*SessionData, error) {
	raw, err := os.ReadFile(s.fileName(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	var data SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &data, nil
}

func (s *FileStore) write(data *SessionData) error {
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	path := s.fileName(data.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, data *SessionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if data.CreatedAt.IsZero() {
		data.CreatedAt = now
	}
	data.UpdatedAt = now
	data.Version = 1
	return s.write(data)
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string) (*SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, data *SessionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.read(data.ID)
	if err != nil {
		return err
	}
	if stored == nil {
		return ErrNotFound
	}
	if stored.Version != data.Version {
		return ErrVersionConflict
	}

	data.Version++
	data.UpdatedAt = time.Now()
	return s.write(data)
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.fileName(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// List returns every stored session, most recently updated first.
// Unreadable files are skipped.
func (s *FileStore) List(ctx context.Context) ([]SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.basePath)
	if errors.Is(err, os.ErrNotExist) {
		return []SessionData{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}

	var sessions []SessionData
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name()))
		if err != nil {
			continue
		}
		var data SessionData
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		sessions = append(sessions, data)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
