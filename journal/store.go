// Package journal is the append-only per-conversation event log that lets a
// client attach to a running stream, or reattach after a disconnect, and
// receive every event from a given index onward.
//
// Each turn of a conversation is one stream. Begin starts a new stream after
// the previous one's entries; indexes keep increasing across streams so a
// reader resuming from an old index never misses entries.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/bazelment/chatstream/agentstream"
)

var (
	// ErrNotStarted is returned when appending to a conversation without a
	// stream.
	ErrNotStarted = errors.New("journal: stream not started")
	// ErrFinished is returned when appending to a finished stream.
	ErrFinished = errors.New("journal: stream already finished")
)

// Status is the lifecycle state of a stream.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the stream has ended.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Entry is one stored event. Entries are never mutated.
type Entry struct {
	CreatedAt      time.Time         `json:"created_at"`
	ConversationID string            `json:"conversation_id"`
	EventID        string            `json:"event_id"`
	Event          agentstream.Event `json:"event"`
	Index          int64             `json:"index"`
}

// StreamInfo describes the current stream of a conversation.
type StreamInfo struct {
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	// Start is the index of the current stream's first entry.
	Start int64 `json:"start"`
	// Next is the index the next appended entry will get.
	Next int64 `json:"next"`
}

// Store persists streams. Implementations serialize writes per
// conversation; the Journal is the only writer.
type Store interface {
	// Begin starts a running stream at the conversation's next index,
	// keeping earlier entries.
	Begin(ctx context.Context, conversationID string, at time.Time) error
	// Append stores an event at the stream's next index.
	Append(ctx context.Context, conversationID, eventID string, ev agentstream.Event, at time.Time) (Entry, error)
	// Entries returns up to limit entries with index >= from, in order.
	Entries(ctx context.Context, conversationID string, from int64, limit int) ([]Entry, error)
	// Info reports the stream; ok is false when the conversation has none.
	Info(ctx context.Context, conversationID string) (info StreamInfo, ok bool, err error)
	// Finish records the terminal status. Finishing twice keeps the first
	// status.
	Finish(ctx context.Context, conversationID string, status Status, at time.Time) error
	// Prune deletes finished streams that ended before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
