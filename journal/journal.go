package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/internal/slogx"
	"github.com/bazelment/chatstream/internal/uuidx"
)

const (
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultMaxReadDuration   = 5 * time.Minute
	DefaultPollInterval      = time.Second
	DefaultRetention         = time.Hour
	DefaultJanitorInterval   = 5 * time.Minute

	readBatch   = 256
	frameBuffer = 64
)

// Config tunes readers and retention.
type Config struct {
	// KeepaliveInterval is the longest a reader goes without a frame.
	KeepaliveInterval time.Duration
	// MaxReadDuration ends a read with a timeout frame; the client
	// reconnects from its last index.
	MaxReadDuration time.Duration
	// PollInterval bounds how long a lost signal can delay a reader.
	PollInterval time.Duration
	// Retention is how long finished streams are kept.
	Retention       time.Duration
	JanitorInterval time.Duration
}

// DefaultConfig returns the default reader settings.
func DefaultConfig() Config {
	return Config{
		KeepaliveInterval: DefaultKeepaliveInterval,
		MaxReadDuration:   DefaultMaxReadDuration,
		PollInterval:      DefaultPollInterval,
		Retention:         DefaultRetention,
		JanitorInterval:   DefaultJanitorInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.MaxReadDuration <= 0 {
		c.MaxReadDuration = d.MaxReadDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	return c
}

// Option configures a Journal.
type Option func(*Journal)

// WithConfig sets reader and retention settings.
func WithConfig(cfg Config) Option {
	return func(j *Journal) { j.cfg = cfg.withDefaults() }
}

// WithNotifier replaces the in-process Broadcaster.
func WithNotifier(n Notifier) Option {
	return func(j *Journal) { j.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Journal appends stream events and serves them to readers.
type Journal struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config
}

// New creates a Journal over store.
func New(store Store, opts ...Option) *Journal {
	j := &Journal{
		store:    store,
		notifier: NewBroadcaster(),
		logger:   slog.Default(),
		now:      time.Now,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Config returns the effective settings.
func (j *Journal) Config() Config { return j.cfg }

// Begin starts a new stream for the conversation. Its entries follow the
// previous stream's; StreamInfo.Start marks the first of them.
func (j *Journal) Begin(ctx context.Context, conversationID string) error {
	if err := j.store.Begin(ctx, conversationID, j.now()); err != nil {
		return fmt.Errorf("begin stream: %w", err)
	}
	j.notifier.Notify(conversationID)
	return nil
}

// Append stores ev at the next index under a fresh time-ordered event id.
func (j *Journal) Append(ctx context.Context, conversationID string, ev agentstream.Event) (Entry, error) {
	e, err := j.store.Append(ctx, conversationID, uuidx.NewString(), ev, j.now())
	if err != nil {
		return Entry{}, fmt.Errorf("append event: %w", err)
	}
	j.notifier.Notify(conversationID)
	return e, nil
}

// Finish records the terminal status so readers stop waiting.
func (j *Journal) Finish(ctx context.Context, conversationID string, status Status) error {
	if err := j.store.Finish(ctx, conversationID, status, j.now()); err != nil {
		return fmt.Errorf("finish stream: %w", err)
	}
	j.notifier.Notify(conversationID)
	return nil
}

// Info reports the conversation's current stream.
func (j *Journal) Info(ctx context.Context, conversationID string) (StreamInfo, bool, error) {
	return j.store.Info(ctx, conversationID)
}

// ReadOptions tune a read.
type ReadOptions struct {
	// FullReplay starts at the current stream's first entry regardless of
	// from and marks the catch-up frames as replay.
	FullReplay bool
}

// Read streams the conversation's entries from index from onward, then
// follows live appends until the stream finishes, the read times out, or
// ctx is canceled. The channel is closed afterwards.
//
// The last frame is a stream_status frame when the stream is finished or
// unknown, or a timeout frame after MaxReadDuration. Keepalive frames are
// interleaved whenever the reader was idle for KeepaliveInterval.
func (j *Journal) Read(ctx context.Context, conversationID string, from int64, opts ReadOptions) <-chan Frame {
	out := make(chan Frame, frameBuffer)
	go func() {
		defer close(out)
		r := &reader{
			j:    j,
			out:  out,
			conv: conversationID,
			next: from,
			log:  j.logger.With(slogx.Conversation(conversationID)),
		}
		r.run(ctx, opts)
	}()
	return out
}

type reader struct {
	j           *Journal
	out         chan<- Frame
	log         *slog.Logger
	keepalive   *time.Timer
	conv        string
	next        int64
	replayUntil int64
}

func (r *reader) run(ctx context.Context, opts ReadOptions) {
	signals, release := r.j.notifier.Subscribe(r.conv)
	defer release()

	info, ok, err := r.j.store.Info(ctx, r.conv)
	if err != nil {
		r.log.Error("journal read failed", slogx.Error(err))
		r.send(ctx, Frame{Type: FrameStreamStatus, Status: StreamFailed})
		return
	}
	if !ok {
		r.send(ctx, Frame{Type: FrameStreamStatus, Status: StreamNotFound})
		return
	}
	if opts.FullReplay {
		r.next = info.Start
		r.replayUntil = info.Next
	}

	deadline := time.NewTimer(r.j.cfg.MaxReadDuration)
	defer deadline.Stop()
	poll := time.NewTicker(r.j.cfg.PollInterval)
	defer poll.Stop()
	r.keepalive = time.NewTimer(r.j.cfg.KeepaliveInterval)
	defer r.keepalive.Stop()

	for {
		done, err := r.catchUp(ctx)
		if err != nil {
			r.log.Error("journal read failed", slogx.Error(err))
			r.send(ctx, Frame{Type: FrameStreamStatus, Status: StreamFailed})
			return
		}
		if done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-signals:
		case <-poll.C:
		case <-r.keepalive.C:
			if !r.send(ctx, Frame{Type: FrameKeepalive}) {
				return
			}
		case <-deadline.C:
			r.send(ctx, Frame{Type: FrameTimeout})
			return
		}
	}
}

// catchUp sends every stored entry at or after r.next. It reports done
// once the stream is finished and fully delivered.
func (r *reader) catchUp(ctx context.Context) (bool, error) {
	for {
		// read the status first so entries appended before Finish are
		// never skipped
		info, ok, err := r.j.store.Info(ctx, r.conv)
		if err != nil {
			return false, err
		}
		if !ok {
			// pruned while reading
			r.send(ctx, Frame{Type: FrameStreamStatus, Status: StreamNotFound})
			return true, nil
		}
		entries, err := r.j.store.Entries(ctx, r.conv, r.next, readBatch)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if !r.send(ctx, FrameOf(e, e.Index < r.replayUntil)) {
				return true, nil
			}
			r.next = e.Index + 1
		}
		if len(entries) == readBatch {
			continue
		}
		if info.Status.Terminal() && r.next >= info.Next {
			r.send(ctx, StatusFrame(info))
			return true, nil
		}
		return false, nil
	}
}

func (r *reader) send(ctx context.Context, f Frame) bool {
	select {
	case r.out <- f:
	case <-ctx.Done():
		return false
	}
	if r.keepalive != nil {
		if !r.keepalive.Stop() {
			select {
			case <-r.keepalive.C:
			default:
			}
		}
		r.keepalive.Reset(r.j.cfg.KeepaliveInterval)
	}
	return true
}

// Prune removes finished streams older than the retention period.
func (j *Journal) Prune(ctx context.Context) (int, error) {
	n, err := j.store.Prune(ctx, j.now().Add(-j.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return n, nil
}

// RunJanitor prunes periodically until ctx is canceled.
func (j *Journal) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Prune(ctx)
			if err != nil {
				j.logger.Warn("journal prune failed", slogx.Error(err))
				continue
			}
			if n > 0 {
				j.logger.Info("pruned finished streams", "count", n)
			}
		}
	}
}
