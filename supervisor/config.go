// Package supervisor runs CLI agent processes and turns their JSONL output
// into a normalized event stream.
//
// The supervisor owns the process lifecycle: it spawns the child in its own
// process group, reads stdout in bounded chunks, hands complete lines to a
// grammar-specific Adapter, enforces per-phase idle timeouts, and
// terminates the group with an interrupt followed by a kill. Adapters only
// parse; they never touch the process.
package supervisor

import (
	"fmt"
	"time"
)

// Phase is the coarse activity state of a stream. Each phase has its own
// idle budget.
type Phase string

const (
	PhaseInitial         Phase = "initial"
	PhaseStreaming       Phase = "streaming"
	PhaseToolExecution   Phase = "tool_execution"
	PhasePendingResponse Phase = "pending_response"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{PhaseInitial, PhaseStreaming, PhaseToolExecution, PhasePendingResponse}

// ParsePhase validates a phase name.
func ParsePhase(s string) (Phase, error) {
	for _, p := range Phases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// Status is the final state of a supervised run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusErrored   Status = "errored"
	StatusAborted   Status = "aborted"
)

const (
	DefaultPhaseTimeout    = 1800 * time.Second
	DefaultGracePeriod     = 200 * time.Millisecond
	DefaultPollInterval    = 50 * time.Millisecond
	DefaultReadChunkSize   = 32 * 1024
	DefaultDrainTimeout    = 2 * time.Second
	DefaultStderrTailBytes = 4 * 1024
	// DefaultMaxLineBytes bounds an unterminated stdout line before it is
	// force-flushed to the adapter.
	DefaultMaxLineBytes = 64 * 1024 * 1024
)

// Config tunes the supervisor.
type Config struct {
	PhaseTimeouts   map[Phase]time.Duration
	GracePeriod     time.Duration
	PollInterval    time.Duration
	DrainTimeout    time.Duration
	ReadChunkSize   int
	StderrTailBytes int
	MaxLineBytes    int
}

// DefaultConfig returns the default configuration with equal budgets for
// every phase.
func DefaultConfig() Config {
	timeouts := make(map[Phase]time.Duration, len(Phases))
	for _, p := range Phases {
		timeouts[p] = DefaultPhaseTimeout
	}
	return Config{
		PhaseTimeouts:   timeouts,
		GracePeriod:     DefaultGracePeriod,
		PollInterval:    DefaultPollInterval,
		DrainTimeout:    DefaultDrainTimeout,
		ReadChunkSize:   DefaultReadChunkSize,
		StderrTailBytes: DefaultStderrTailBytes,
		MaxLineBytes:    DefaultMaxLineBytes,
	}
}

// TimeoutFor returns the idle budget of a phase.
func (c Config) TimeoutFor(p Phase) time.Duration {
	if d, ok := c.PhaseTimeouts[p]; ok && d > 0 {
		return d
	}
	return DefaultPhaseTimeout
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PhaseTimeouts == nil {
		c.PhaseTimeouts = d.PhaseTimeouts
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = d.ReadChunkSize
	}
	if c.StderrTailBytes <= 0 {
		c.StderrTailBytes = d.StderrTailBytes
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = d.MaxLineBytes
	}
	return c
}
