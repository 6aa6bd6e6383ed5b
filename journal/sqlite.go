package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/bazelment/chatstream/agentstream"
)

const sqliteSchema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS journal_streams (
    conversation_id TEXT PRIMARY KEY,
    status          TEXT NOT NULL,
    started_at      TEXT NOT NULL,
    finished_at     TEXT NOT NULL DEFAULT '',
    start_index     INTEGER NOT NULL DEFAULT 0,
    next_index      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS journal_entries (
    conversation_id TEXT NOT NULL,
    idx             INTEGER NOT NULL,
    event_id        TEXT NOT NULL,
    event           TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    PRIMARY KEY (conversation_id, idx)
);
`

// SQLiteStore keeps streams in SQLite so readers survive a server restart.
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
	// one connection keeps the pragmas in effect and serializes writers
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

func (s *SQLiteStore) Begin(ctx context.Context, conversationID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_streams (conversation_id, status, started_at, finished_at, start_index, next_index)
		VALUES (?, ?, ?, '', 0, 0)
		ON CONFLICT(conversation_id) DO UPDATE SET
			status = excluded.status, started_at = excluded.started_at, finished_at = '',
			start_index = journal_streams.next_index`,
		conversationID, StatusRunning, formatTime(at)); err != nil {
		return fmt.Errorf("upsert stream: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, conversationID, eventID string, ev agentstream.Event, at time.Time) (Entry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal event: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		next   int64
		status Status
	)
	err = tx.QueryRowContext(ctx,
		"SELECT next_index, status FROM journal_streams WHERE conversation_id = ?", conversationID,
	).Scan(&next, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotStarted
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query stream: %w", err)
	}
	if status.Terminal() {
		return Entry{}, ErrFinished
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO journal_entries (conversation_id, idx, event_id, event, created_at) VALUES (?, ?, ?, ?, ?)",
		conversationID, next, eventID, string(payload), formatTime(at)); err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE journal_streams SET next_index = ? WHERE conversation_id = ?", next+1, conversationID); err != nil {
		return Entry{}, fmt.Errorf("advance index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}
	return Entry{
		ConversationID: conversationID,
		Index:          next,
		EventID:        eventID,
		Event:          ev,
		CreatedAt:      at,
	}, nil
}

func (s *SQLiteStore) Entries(ctx context.Context, conversationID string, from int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, event_id, event, created_at FROM journal_entries
		WHERE conversation_id = ? AND idx >= ? ORDER BY idx LIMIT ?`,
		conversationID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			payload string
			created string
		)
		if err := rows.Scan(&e.Index, &e.EventID, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", e.Index, err)
		}
		e.ConversationID = conversationID
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Info(ctx context.Context, conversationID string) (StreamInfo, bool, error) {
	var (
		info              StreamInfo
		started, finished string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT status, started_at, finished_at, start_index, next_index FROM journal_streams WHERE conversation_id = ?",
		conversationID,
	).Scan(&info.Status, &started, &finished, &info.Start, &info.Next)
	if errors.Is(err, sql.ErrNoRows) {
		return StreamInfo{}, false, nil
	}
	if err != nil {
		return StreamInfo{}, false, fmt.Errorf("query stream: %w", err)
	}
	info.ConversationID = conversationID
	info.StartedAt = parseTime(started)
	info.FinishedAt = parseTime(finished)
	return info, true, nil
}

func (s *SQLiteStore) Finish(ctx context.Context, conversationID string, status Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE journal_streams SET status = ?, finished_at = ?
		WHERE conversation_id = ? AND status = ?`,
		status, formatTime(at), conversationID, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, ok, err := s.Info(ctx, conversationID); err == nil && !ok {
			return ErrNotStarted
		}
	}
	return nil
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const stale = `SELECT conversation_id FROM journal_streams WHERE status != ? AND finished_at != '' AND finished_at < ?`
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM journal_entries WHERE conversation_id IN ("+stale+")",
		StatusRunning, formatTime(cutoff)); err != nil {
		return 0, fmt.Errorf("prune entries: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		"DELETE FROM journal_streams WHERE status != ? AND finished_at != '' AND finished_at < ?",
		StatusRunning, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune streams: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

// formatTime uses a fixed-width layout so stored times compare as strings.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
