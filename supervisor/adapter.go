package supervisor

import (
	"context"
	"time"

	"github.com/bazelment/chatstream/agentstream"
)

// Classification describes what a parsed line means for timeout tracking.
// An empty Phase keeps the current phase.
type Classification struct {
	Phase       Phase
	ResetsTimer bool
}

// ExitStatus is what the supervisor knows once the process is gone.
type ExitStatus struct {
	Err        error
	StderrTail string
	ExitCode   int
	TimedOut   bool
	Aborted    bool
}

// Adapter translates one CLI grammar. Implementations are driven from a
// single goroutine and need no locking.
type Adapter interface {
	// HandleLine classifies and translates one complete stdout line.
	// Malformed lines should be logged and classified as not resetting the
	// timer.
	HandleLine(line []byte) (Classification, []agentstream.Event)
	// PendingToolWork reports whether a tool call is mid-stream or still
	// awaiting its result. Aborts are deferred while it is true.
	PendingToolWork() bool
	// Finish returns the closing events after the process exited. It may
	// include a terminal event; the supervisor replaces it with its own
	// terminal for timed out and aborted runs.
	Finish(exit ExitStatus) []agentstream.Event
}

// Observer receives lifecycle updates. Calls come from the supervisor's
// goroutine.
type Observer interface {
	PhaseChanged(p Phase)
	Output(at time.Time)
}

type observerKey struct{}

// WithObserver attaches an Observer to ctx for the supervisor started by a
// provider's StreamTurn.
func WithObserver(ctx context.Context, obs Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, obs)
}

// ObserverFrom returns the Observer attached to ctx, or a no-op.
func ObserverFrom(ctx context.Context) Observer {
	if obs, ok := ctx.Value(observerKey{}).(Observer); ok && obs != nil {
		return obs
	}
	return nopObserver{}
}

type nopObserver struct{}

func (nopObserver) PhaseChanged(Phase) {}
func (nopObserver) Output(time.Time)   {}
