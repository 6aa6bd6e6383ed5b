package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS provider_sessions (
    conversation_id TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
`

// SQLiteStore keeps session ids in a SQLite table. It can share a database
// file with the journal.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SessionID(ctx context.Context, conversationID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id FROM provider_sessions WHERE conversation_id = ?", conversationID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query session id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) SetSessionID(ctx context.Context, conversationID, sessionID string) error {
	if conversationID == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_sessions (conversation_id, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		conversationID, sessionID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store session id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM provider_sessions WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("clear session id: %w", err)
	}
	return nil
}
