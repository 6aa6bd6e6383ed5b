package journal

import (
	"context"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/bazelment/chatstream/agentstream"
)

type memStream struct {
	info    StreamInfo
	entries []Entry
	mu      sync.RWMutex
}

// MemoryStore keeps streams in process memory.
type MemoryStore struct {
	streams *haxmap.Map[string, *memStream]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: haxmap.New[string, *memStream]()}
}

func (m *MemoryStore) Begin(_ context.Context, conversationID string, at time.Time) error {
	s, _ := m.streams.GetOrSet(conversationID, &memStream{
		info: StreamInfo{ConversationID: conversationID},
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Status = StatusRunning
	s.info.StartedAt = at
	s.info.FinishedAt = time.Time{}
	s.info.Start = s.info.Next
	return nil
}

func (m *MemoryStore) Append(_ context.Context, conversationID, eventID string, ev agentstream.Event, at time.Time) (Entry, error) {
	s, ok := m.streams.Get(conversationID)
	if !ok {
		return Entry{}, ErrNotStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status.Terminal() {
		return Entry{}, ErrFinished
	}
	e := Entry{
		ConversationID: conversationID,
		Index:          s.info.Next,
		EventID:        eventID,
		Event:          ev,
		CreatedAt:      at,
	}
	s.entries = append(s.entries, e)
	s.info.Next++
	return e, nil
}

func (m *MemoryStore) Entries(_ context.Context, conversationID string, from int64, limit int) ([]Entry, error) {
	s, ok := m.streams.Get(conversationID)
	if !ok {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= int64(len(s.entries)) {
		return nil, nil
	}
	end := int64(len(s.entries))
	if limit > 0 && from+int64(limit) < end {
		end = from + int64(limit)
	}
	out := make([]Entry, end-from)
	copy(out, s.entries[from:end])
	return out, nil
}

func (m *MemoryStore) Info(_ context.Context, conversationID string) (StreamInfo, bool, error) {
	s, ok := m.streams.Get(conversationID)
	if !ok {
		return StreamInfo{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info, true, nil
}

func (m *MemoryStore) Finish(_ context.Context, conversationID string, status Status, at time.Time) error {
	s, ok := m.streams.Get(conversationID)
	if !ok {
		return ErrNotStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status.Terminal() {
		return nil
	}
	s.info.Status = status
	s.info.FinishedAt = at
	return nil
}

func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	var stale []string
	m.streams.ForEach(func(id string, s *memStream) bool {
		s.mu.RLock()
		if s.info.Status.Terminal() && s.info.FinishedAt.Before(cutoff) {
			stale = append(stale, id)
		}
		s.mu.RUnlock()
		return true
	})
	for _, id := range stale {
		m.streams.Del(id)
	}
	return len(stale), nil
}
