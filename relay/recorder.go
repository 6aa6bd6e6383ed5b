package relay

import (
	"context"
	"sync"

	"github.com/bazelment/chatstream/agentstream"
)

// Recorder persists what a finished turn produced. Both calls happen once
// per turn, after the provider stream ends.
type Recorder interface {
	RecordUsage(ctx context.Context, conversationID, providerName string, usage agentstream.Usage) error
	AppendMessageContent(ctx context.Context, conversationID string, turn *AssistantTurn) error
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordUsage(context.Context, string, string, agentstream.Usage) error {
	return nil
}

func (NopRecorder) AppendMessageContent(context.Context, string, *AssistantTurn) error {
	return nil
}

// MemoryRecorder keeps usage totals and assistant turns in memory. It backs
// the run command and tests.
type MemoryRecorder struct {
	usage map[string]agentstream.Usage
	turns map[string][]*AssistantTurn
	mu    sync.Mutex
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		usage: make(map[string]agentstream.Usage),
		turns: make(map[string][]*AssistantTurn),
	}
}

func (r *MemoryRecorder) RecordUsage(_ context.Context, conversationID, _ string, usage agentstream.Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage[conversationID] = r.usage[conversationID].Add(usage)
	return nil
}

func (r *MemoryRecorder) AppendMessageContent(_ context.Context, conversationID string, turn *AssistantTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[conversationID] = append(r.turns[conversationID], turn)
	return nil
}

// Usage returns the usage recorded for a conversation across turns.
func (r *MemoryRecorder) Usage(conversationID string) agentstream.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage[conversationID]
}

// Turns returns the assistant turns recorded for a conversation.
func (r *MemoryRecorder) Turns(conversationID string) []*AssistantTurn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AssistantTurn, len(r.turns[conversationID]))
	copy(out, r.turns[conversationID])
	return out
}
