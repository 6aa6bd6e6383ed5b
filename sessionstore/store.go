// Package sessionstore persists the opaque session ids that CLI agents use
// to resume a conversation natively.
//
// Ids are provider owned and stored verbatim. A missing entry is reported as
// an empty id, not an error.
package sessionstore

import (
	"context"
	"errors"

	"github.com/alphadose/haxmap"
)

// ErrEmptyKey is returned when a conversation id is empty.
var ErrEmptyKey = errors.New("sessionstore: empty conversation id")

// Store maps conversation ids to provider session ids.
type Store interface {
	SessionID(ctx context.Context, conversationID string) (string, error)
	SetSessionID(ctx context.Context, conversationID, sessionID string) error
	Clear(ctx context.Context, conversationID string) error
}

// Memory is an in-process Store.
type Memory struct {
	ids *haxmap.Map[string, string]
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{ids: haxmap.New[string, string]()}
}

func (m *Memory) SessionID(_ context.Context, conversationID string) (string, error) {
	id, _ := m.ids.Get(conversationID)
	return id, nil
}

func (m *Memory) SetSessionID(_ context.Context, conversationID, sessionID string) error {
	if conversationID == "" {
		return ErrEmptyKey
	}
	m.ids.Set(conversationID, sessionID)
	return nil
}

func (m *Memory) Clear(_ context.Context, conversationID string) error {
	m.ids.Del(conversationID)
	return nil
}

// scoped prefixes keys with a provider name so one backing store can hold
// ids for several CLIs without collisions.
type scoped struct {
	inner  Store
	prefix string
}

// Scoped returns a view of store whose keys are namespaced by provider.
func Scoped(store Store, provider string) Store {
	return &scoped{inner: store, prefix: provider + ":"}
}

func (s *scoped) SessionID(ctx context.Context, conversationID string) (string, error) {
	if conversationID == "" {
		return "", nil
	}
	return s.inner.SessionID(ctx, s.prefix+conversationID)
}

func (s *scoped) SetSessionID(ctx context.Context, conversationID, sessionID string) error {
	if conversationID == "" {
		return ErrEmptyKey
	}
	return s.inner.SetSessionID(ctx, s.prefix+conversationID, sessionID)
}

func (s *scoped) Clear(ctx context.Context, conversationID string) error {
	return s.inner.Clear(ctx, s.prefix+conversationID)
}
