package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// FileStore keeps one JSON file per conversation under a base directory.
// Files are written atomically with a temp file and rename so a crash never
// leaves a half-written id.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

var _ Store = (*FileStore)(nil)

type storedSession struct {
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultFileStoreDir returns the default directory (~/.chatstream/sessions).
func DefaultFileStoreDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".chatstream", "sessions"), nil
}

// NewFileStore creates a FileStore. If baseDir is empty, uses the default.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		var err error
		baseDir, err = DefaultFileStoreDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// sanitizeName makes a key safe to use as a file name.
func sanitizeName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "..", "_")
	return r.Replace(name)
}

func (s *FileStore) path(conversationID string) string {
	return filepath.Join(s.baseDir, sanitizeName(conversationID)+".json")
}

func (s *FileStore) SessionID(_ context.Context, conversationID string) (string, error) {
	if conversationID == "" {
		return "", nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(conversationID))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session file: %w", err)
	}
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return "", fmt.Errorf("failed to parse session file: %w", err)
	}
	return stored.SessionID, nil
}

func (s *FileStore) SetSessionID(_ context.Context, conversationID, sessionID string) error {
	if conversationID == "" {
		return ErrEmptyKey
	}
	data, err := json.MarshalIndent(storedSession{
		ConversationID: conversationID,
		SessionID:      sessionID,
		UpdatedAt:      time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(conversationID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(conversationID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}
