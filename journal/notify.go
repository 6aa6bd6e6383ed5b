package journal

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/bazelment/chatstream/internal/slogx"
)

// Notifier wakes readers when a conversation's stream changes. Signals
// carry no data and may be coalesced or lost; readers always go back to
// the Store and also poll.
type Notifier interface {
	Notify(conversationID string)
	// Subscribe returns a channel that receives a signal after changes and
	// a function that releases the subscription.
	Subscribe(conversationID string) (<-chan struct{}, func())
}

// Broadcaster fans change signals out to in-process subscribers. Each
// subscriber has a one-slot buffer; a pending signal absorbs later ones.
type Broadcaster struct {
	subscribers map[string]map[int]chan struct{}
	mu          sync.RWMutex
	nextID      int
}

var _ Notifier = (*Broadcaster)(nil)

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]map[int]chan struct{})}
}

// Subscribe implements Notifier.
func (b *Broadcaster) Subscribe(conversationID string) (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan struct{}, 1)
	subs, ok := b.subscribers[conversationID]
	if !ok {
		subs = make(map[int]chan struct{})
		b.subscribers[conversationID] = subs
	}
	subs[id] = ch

	var once sync.Once
	return ch, func() { once.Do(func() { b.unsubscribe(conversationID, id) }) }
}

func (b *Broadcaster) unsubscribe(conversationID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[conversationID]
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}
}

// Notify implements Notifier.
func (b *Broadcaster) Notify(conversationID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[conversationID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers reports how many readers follow a conversation.
func (b *Broadcaster) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// SubjectPrefix prefixes NATS subjects of journal change signals.
const SubjectPrefix = "chatstream.journal."

// NATSNotifier publishes change signals on NATS so readers served by other
// processes sharing the store wake up too.
type NATSNotifier struct {
	conn   *nats.Conn
	logger *slog.Logger
}

var _ Notifier = (*NATSNotifier)(nil)

// NewNATSNotifier wraps an established connection.
func NewNATSNotifier(conn *nats.Conn, logger *slog.Logger) *NATSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{conn: conn, logger: logger}
}

// ConnectNATS dials url with the options the server uses.
func ConnectNATS(url string, opts ...nats.Option) (*nats.Conn, error) {
	if len(opts) == 0 {
		opts = append(opts, nats.Name("chatstream"), nats.Compression(true), nats.MaxReconnects(-1))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Subject returns the subject carrying signals for a conversation.
func Subject(conversationID string) string {
	return SubjectPrefix + subjectToken(conversationID)
}

// subjectToken replaces characters NATS treats as separators or
// wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(conversationID string) {
	if err := n.conn.Publish(Subject(conversationID), nil); err != nil {
		n.logger.Warn("failed to publish journal signal", slogx.Conversation(conversationID), slogx.Error(err))
	}
}

// Subscribe implements Notifier.
func (n *NATSNotifier) Subscribe(conversationID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	sub, err := n.conn.Subscribe(Subject(conversationID), func(*nats.Msg) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if err != nil {
		// readers still poll the store
		n.logger.Warn("failed to subscribe to journal signals", slogx.Conversation(conversationID), slogx.Error(err))
		return ch, func() {}
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				n.logger.Debug("failed to unsubscribe", slogx.Error(err))
			}
		})
	}
}
