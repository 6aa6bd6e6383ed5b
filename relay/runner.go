// Package relay connects provider streams to the journal. A Runner starts
// one turn per conversation, pumps the adapter's events into the journal,
// tracks the stream's session state and hands the assembled assistant turn
// and its usage to a Recorder.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/internal/slogx"
	"github.com/bazelment/chatstream/journal"
	"github.com/bazelment/chatstream/provider"
	"github.com/bazelment/chatstream/supervisor"
)

// DefaultInterruptionReminder is prepended to the first user message after
// an aborted turn.
const DefaultInterruptionReminder = "The user interrupted your previous response before it finished. " +
	"Any tool calls that were cut off did not complete."

var (
	// ErrStreamActive is returned when a conversation already has a running turn.
	ErrStreamActive = errors.New("relay: a stream is already active for this conversation")
	// ErrNoActiveStream is returned by Abort when nothing is running.
	ErrNoActiveStream = errors.New("relay: no active stream for this conversation")
	// ErrNoConversation is returned for a turn without a conversation id.
	ErrNoConversation = errors.New("relay: turn has no conversation id")
)

// UnknownProviderError is returned for an unregistered provider name.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("relay: unknown provider %q", e.Name)
}

// Option configures a Runner.
type Option func(*Runner)

// WithRecorder sets where finished turns are recorded.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithInterruptionReminder overrides DefaultInterruptionReminder.
func WithInterruptionReminder(text string) Option {
	return func(r *Runner) { r.reminder = text }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

type activeStream struct {
	session *StreamSession
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// Runner starts provider turns and journals their events.
type Runner struct {
	journal     *journal.Journal
	recorder    Recorder
	logger      *slog.Logger
	now         func() time.Time
	providers   *haxmap.Map[string, provider.Provider]
	active      *haxmap.Map[string, *activeStream]
	sessions    *haxmap.Map[string, *StreamSession]
	interrupted *haxmap.Map[string, struct{}]
	reminder    string
	wg          sync.WaitGroup
}

// NewRunner creates a Runner writing to j.
func NewRunner(j *journal.Journal, opts ...Option) *Runner {
	r := &Runner{
		journal:     j,
		recorder:    NopRecorder{},
		logger:      slog.Default(),
		now:         time.Now,
		reminder:    DefaultInterruptionReminder,
		providers:   haxmap.New[string, provider.Provider](),
		active:      haxmap.New[string, *activeStream](),
		sessions:    haxmap.New[string, *StreamSession](),
		interrupted: haxmap.New[string, struct{}](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds p under its Name, replacing any provider with that name.
func (r *Runner) Register(p provider.Provider) {
	r.providers.Set(p.Name(), p)
}

// Providers lists the registered provider names in order.
func (r *Runner) Providers() []string {
	var names []string
	r.providers.ForEach(func(name string, _ provider.Provider) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// StartTurn starts turn on the named provider and returns its session. The
// stream outlives ctx; use Abort to stop it. Request problems the adapter
// detects up front are returned as *provider.ConfigError and leave the
// journal untouched.
func (r *Runner) StartTurn(ctx context.Context, providerName string, turn provider.Turn) (*StreamSession, error) {
	conv := turn.ConversationID
	if conv == "" {
		return nil, ErrNoConversation
	}
	p, ok := r.providers.Get(providerName)
	if !ok {
		return nil, &UnknownProviderError{Name: providerName}
	}

	session := newStreamSession(conv, providerName, r.now())
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	streamCtx = supervisor.WithObserver(streamCtx, session)
	as := &activeStream{session: session, cancel: cancel}
	if _, loaded := r.active.GetOrSet(conv, as); loaded {
		cancel()
		return nil, ErrStreamActive
	}

	_, wasInterrupted := r.interrupted.Get(conv)
	if wasInterrupted && turn.InterruptionReminder == "" {
		turn.InterruptionReminder = r.reminder
	}

	events, err := p.StreamTurn(streamCtx, turn)
	if err != nil {
		cancel()
		r.active.Del(conv)
		return nil, err
	}
	if err := r.journal.Begin(ctx, conv); err != nil {
		// The adapter is already running; stop it and drain so its
		// goroutine exits.
		cancel()
		r.active.Del(conv)
		go provider.Drain(events)
		return nil, fmt.Errorf("relay: begin journal: %w", err)
	}
	if info, ok, err := r.journal.Info(ctx, conv); err == nil && ok {
		session.setFromIndex(info.Start)
	}
	if wasInterrupted {
		r.interrupted.Del(conv)
	}
	r.sessions.Set(conv, session)

	r.logger.Info("turn started", slogx.Conversation(conv), slogx.Provider(providerName))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.pump(as, p.Capabilities(), events)
	}()
	return session, nil
}

// pump journals every event of one stream and records the result once the
// adapter closes the channel.
func (r *Runner) pump(as *activeStream, caps provider.Capabilities, events <-chan agentstream.Event) {
	session := as.session
	conv := session.conversationID
	// Writes must land even after an abort cancels the stream context.
	ctx := context.Background()
	logger := r.logger.With(slogx.Conversation(conv), slogx.Provider(session.provider))

	asm := newAssembler(conv, session.provider, caps.ExecutesTools)
	status := SessionFailed
	var failure string
	terminal := false
	for ev := range events {
		if _, err := r.journal.Append(ctx, conv, ev); err != nil {
			logger.Error("journal append failed", slogx.Error(err), slog.String("type", string(ev.Type)))
		}
		session.Output(r.now())
		asm.apply(ev)
		switch ev.Type {
		case agentstream.TypeSystemInfo:
			if id := ev.MetaString(agentstream.MetaSessionID); id != "" {
				session.setProviderSessionID(id)
			}
		case agentstream.TypeDone:
			status, terminal = SessionCompleted, true
		case agentstream.TypeError:
			terminal = true
			failure = ev.Content
			if agentstream.ErrorKindOf(ev) == agentstream.ErrorTimeout {
				status = SessionTimeout
			} else {
				status = SessionFailed
			}
		}
	}
	if !terminal {
		logger.Warn("provider stream closed without a terminal event")
		failure = "stream ended without a terminal event"
	}

	turn := asm.result()
	switch {
	case as.aborted.Load():
		turn.ResolveInterrupted("the user aborted the turn")
	case status == SessionTimeout:
		turn.ResolveInterrupted("the turn timed out")
	case status != SessionCompleted:
		turn.ResolveInterrupted(failure)
	case turn.ExecutesTools:
		// the provider finished without reporting some tool results
		if ids := turn.Unresolved(); len(ids) > 0 {
			logger.Warn("turn finished with unresolved tool uses", slog.Any("tool_use_ids", ids))
			turn.ResolveInterrupted("the provider ended the turn before the tool finished")
		}
	}
	turn.MustBeResolved()

	if !turn.Usage.IsZero() {
		if err := r.recorder.RecordUsage(ctx, conv, session.provider, turn.Usage); err != nil {
			logger.Error("record usage failed", slogx.Error(err))
		}
	}
	if err := r.recorder.AppendMessageContent(ctx, conv, turn); err != nil {
		logger.Error("append message content failed", slogx.Error(err))
	}
	if err := r.journal.Finish(ctx, conv, status.journalStatus()); err != nil {
		logger.Error("journal finish failed", slogx.Error(err))
	}

	r.active.Del(conv)
	session.finish(status)
	logger.Info("turn finished",
		slog.String("status", string(status)),
		slogx.Duration("elapsed", r.now().Sub(session.startedAt)))
}

// Abort cancels the conversation's running turn. Adapters with tool work
// outstanding finish it before stopping. The next turn for the
// conversation carries the interruption reminder.
func (r *Runner) Abort(conversationID string) error {
	as, ok := r.active.Get(conversationID)
	if !ok {
		return ErrNoActiveStream
	}
	as.aborted.Store(true)
	r.interrupted.Set(conversationID, struct{}{})
	as.cancel()
	r.logger.Info("turn aborted", slogx.Conversation(conversationID))
	return nil
}

// Session returns the latest session for a conversation, running or not.
func (r *Runner) Session(conversationID string) (*StreamSession, bool) {
	return r.sessions.Get(conversationID)
}

// Active reports whether the conversation has a running turn.
func (r *Runner) Active(conversationID string) bool {
	_, ok := r.active.Get(conversationID)
	return ok
}

// Shutdown aborts every running turn and waits for the pumps to finish or
// ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.active.ForEach(func(_ string, as *activeStream) bool {
		as.aborted.Store(true)
		as.cancel()
		return true
	})
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
