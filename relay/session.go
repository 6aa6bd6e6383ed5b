package relay

import (
	"sync"
	"time"

	"github.com/bazelment/chatstream/journal"
	"github.com/bazelment/chatstream/supervisor"
)

// SessionStatus is the lifecycle state of a StreamSession.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionTimeout   SessionStatus = "timeout"
)

func (s SessionStatus) journalStatus() journal.Status {
	switch s {
	case SessionCompleted:
		return journal.StatusCompleted
	case SessionTimeout:
		return journal.StatusTimeout
	default:
		return journal.StatusFailed
	}
}

// StreamSession tracks one running turn. It implements supervisor.Observer
// so CLI adapters report phase changes and output times directly. After a
// terminal status every setter is a no-op.
type StreamSession struct {
	startedAt         time.Time
	lastOutputAt      time.Time
	done              chan struct{}
	conversationID    string
	provider          string
	providerSessionID string
	phase             supervisor.Phase
	status            SessionStatus
	fromIndex         int64
	mu                sync.RWMutex
}

var _ supervisor.Observer = (*StreamSession)(nil)

func newStreamSession(conversationID, providerName string, now time.Time) *StreamSession {
	return &StreamSession{
		conversationID: conversationID,
		provider:       providerName,
		phase:          supervisor.PhaseInitial,
		status:         SessionRunning,
		startedAt:      now,
		lastOutputAt:   now,
		done:           make(chan struct{}),
	}
}

// PhaseChanged implements supervisor.Observer.
func (s *StreamSession) PhaseChanged(p supervisor.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionRunning {
		return
	}
	s.phase = p
}

// Output implements supervisor.Observer.
func (s *StreamSession) Output(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionRunning || at.Before(s.lastOutputAt) {
		return
	}
	s.lastOutputAt = at
}

// FromIndex is the journal index of the turn's first event.
func (s *StreamSession) FromIndex() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fromIndex
}

func (s *StreamSession) setFromIndex(i int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fromIndex = i
}

func (s *StreamSession) setProviderSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionRunning {
		return
	}
	s.providerSessionID = id
}

// finish records the terminal status once.
func (s *StreamSession) finish(status SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionRunning {
		return false
	}
	s.status = status
	close(s.done)
	return true
}

// Done is closed once the session reaches a terminal status.
func (s *StreamSession) Done() <-chan struct{} { return s.done }

// Status returns the current status.
func (s *StreamSession) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SessionSnapshot is a point-in-time copy of a StreamSession.
type SessionSnapshot struct {
	StartedAt         time.Time        `json:"started_at"`
	LastOutputAt      time.Time        `json:"last_output_at"`
	ConversationID    string           `json:"conversation_id"`
	Provider          string           `json:"provider"`
	ProviderSessionID string           `json:"provider_session_id,omitempty"`
	Phase             supervisor.Phase `json:"phase"`
	Status            SessionStatus    `json:"status"`
	FromIndex         int64            `json:"from_index"`
}

// Snapshot copies the session state.
func (s *StreamSession) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSnapshot{
		ConversationID:    s.conversationID,
		Provider:          s.provider,
		Phase:             s.phase,
		StartedAt:         s.startedAt,
		LastOutputAt:      s.lastOutputAt,
		ProviderSessionID: s.providerSessionID,
		Status:            s.status,
		FromIndex:         s.fromIndex,
	}
}
