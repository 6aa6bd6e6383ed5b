package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/internal/lineio"
	"github.com/bazelment/chatstream/internal/procattr"
	"github.com/bazelment/chatstream/internal/slogx"
)

// Supervisor runs CLI invocations. It is safe for concurrent use; each Run
// is independent.
type Supervisor struct {
	logger *slog.Logger
	cfg    atomic.Pointer[Config]
}

// New creates a Supervisor. Zero config fields take their defaults.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{logger: logger}
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
	return s
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return *s.cfg.Load() }

// SetPhaseTimeouts replaces the per-phase idle budgets. Runs already in
// progress keep the budgets they started with.
func (s *Supervisor) SetPhaseTimeouts(timeouts map[Phase]time.Duration) {
	cfg := s.Config()
	cfg.PhaseTimeouts = maps.Clone(timeouts)
	s.cfg.Store(&cfg)
	s.logger.Info("phase timeouts updated", "timeouts", timeouts)
}

// Result summarizes a finished run.
type Result struct {
	Err      error
	Status   Status
	Phase    Phase
	ExitCode int
}

// run is the per-invocation state. It is only touched by the goroutine
// executing Run.
type run struct {
	lastReset time.Time
	ad        Adapter
	obs       Observer
	g         *agentstream.Guard
	logger    *slog.Logger
	split     *lineio.Splitter
	terminal  *agentstream.Event
	phase     Phase
}

// Run starts inv and streams the adapter's events into g until the process
// exits, goes idle past its phase budget, or ctx is canceled. Exactly one
// terminal event reaches g on every path.
//
// Cancellation is an abort: it is deferred while the adapter reports
// pending tool work, then the process group is interrupted, given the grace
// period, and killed. An aborted run ends with done(interrupted).
func (s *Supervisor) Run(ctx context.Context, inv Invocation, ad Adapter, g *agentstream.Guard) Result {
	defer inv.cleanup()
	cfg := s.Config()
	logger := s.logger.With("cli", filepath.Base(inv.Path))

	if ctx.Err() != nil {
		g.Emit(agentstream.Done(agentstream.StopInterrupted))
		return Result{Status: StatusAborted, Phase: PhaseInitial, Err: ErrAborted}
	}

	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	cmd.Stdin = strings.NewReader(inv.Stdin)
	cmd.WaitDelay = cfg.DrainTimeout
	procattr.Set(cmd)
	tail := newStderrTail(cfg.StderrTailBytes, logger)
	cmd.Stderr = tail

	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return s.startFailed(logger, g, &ProcessError{Message: "failed to create stdout pipe", Cause: err})
	}
	cmd.Stdout = stdoutW

	logger.Debug("starting process", slogx.Truncated("command", inv.String(), 1024))
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stdoutW.Close()
		var failure error = &ProcessError{Message: "failed to start CLI process", Cause: err}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			failure = &CLINotFoundError{Path: inv.Path, Cause: err}
		}
		return s.startFailed(logger, g, failure)
	}
	stdoutW.Close()
	defer stdout.Close()

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	stop := make(chan struct{})
	defer close(stop)
	chunks := make(chan []byte)
	go readChunks(stdout, cfg.ReadChunkSize, chunks, stop)

	r := &run{
		ad:        ad,
		obs:       ObserverFrom(ctx),
		g:         g,
		logger:    logger,
		split:     lineio.NewSplitter(cfg.MaxLineBytes),
		phase:     PhaseInitial,
		lastReset: time.Now(),
	}
	r.obs.PhaseChanged(PhaseInitial)

	status := r.read(ctx, chunks, cfg)

	if status != StatusCompleted {
		idle := time.Since(r.lastReset)
		logger.Info("terminating process", "status", status, "phase", r.phase, slogx.Duration("idle", idle))
		if procattr.Terminate(cmd.Process, cfg.GracePeriod, exited) {
			logger.Debug("process group killed after grace period")
		}
		r.drain(chunks, cfg.DrainTimeout)
	}

	select {
	case <-exited:
	case <-time.After(cfg.DrainTimeout):
		logger.Warn("stdout closed but process still running, killing")
		_ = procattr.KillGroup(cmd.Process)
		<-exited
	}
	if line := r.split.Flush(); line != nil {
		r.handle(line)
	}

	exit := ExitStatus{
		Err:        waitErr,
		StderrTail: tail.String(),
		ExitCode:   exitCode(cmd),
		TimedOut:   status == StatusTimedOut,
		Aborted:    status == StatusAborted,
	}
	if inv.AfterExit != nil {
		inv.AfterExit()
	}
	if exit.ExitCode != 0 && status == StatusCompleted {
		logger.Warn("process exited with non-zero status",
			"exit_code", exit.ExitCode, slogx.Truncated("stderr", exit.StderrTail, 2048))
	}
	final := ad.Finish(exit)
	res := Result{Status: status, Phase: r.phase, ExitCode: exit.ExitCode}

	switch status {
	case StatusTimedOut:
		r.emitNonTerminal(final)
		budgetPhase, budget := r.idleBudget(cfg)
		msg := fmt.Sprintf("no output for %s during %s phase", budget, budgetPhase)
		r.emit(agentstream.ErrorEvent(agentstream.ErrorTimeout, msg))
		res.Err = fmt.Errorf("%w: %s", ErrIdleTimeout, msg)
		return res
	case StatusAborted:
		r.emitNonTerminal(final)
		r.emit(agentstream.Done(agentstream.StopInterrupted))
		res.Err = ErrAborted
		return res
	}

	for _, ev := range final {
		r.emit(ev)
	}
	if r.terminal == nil {
		if exit.ExitCode != 0 {
			r.emit(agentstream.ErrorEvent(agentstream.ErrorProcess, exitMessage(exit)))
		} else {
			r.emit(agentstream.Done(""))
		}
	}
	if r.terminal != nil && r.terminal.Type == agentstream.TypeError {
		res.Status = StatusErrored
		res.Err = &ProcessError{Message: r.terminal.Content, ExitCode: exit.ExitCode, Stderr: exit.StderrTail, Cause: waitErr}
	}
	return res
}

func (s *Supervisor) startFailed(logger *slog.Logger, g *agentstream.Guard, err error) Result {
	logger.Error("failed to start process", slogx.Error(err))
	g.Emit(agentstream.ErrorEvent(agentstream.ErrorProcess, err.Error()))
	return Result{Status: StatusErrored, Phase: PhaseInitial, ExitCode: -1, Err: err}
}

// read consumes stdout until EOF, an idle timeout, or an abort that no
// pending tool work holds back.
func (r *run) read(ctx context.Context, chunks <-chan []byte, cfg Config) Status {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	done := ctx.Done()
	abortPending := false
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return StatusCompleted
			}
			r.feed(chunk)
			if abortPending && !r.ad.PendingToolWork() {
				r.logger.Info("tool work resolved, executing deferred abort")
				return StatusAborted
			}
		case <-done:
			done = nil
			if r.ad.PendingToolWork() {
				abortPending = true
				r.logger.Info("deferring abort until tool work resolves", "phase", r.phase)
				continue
			}
			return StatusAborted
		case <-ticker.C:
			if _, budget := r.idleBudget(cfg); time.Since(r.lastReset) > budget {
				return StatusTimedOut
			}
		}
	}
}

// idleBudget is the current phase's budget, widened to the tool execution
// budget while the adapter reports pending tool work.
func (r *run) idleBudget(cfg Config) (Phase, time.Duration) {
	budget := cfg.TimeoutFor(r.phase)
	if r.ad.PendingToolWork() {
		if tb := cfg.TimeoutFor(PhaseToolExecution); tb > budget {
			return PhaseToolExecution, tb
		}
	}
	return r.phase, budget
}

// drain keeps consuming output flushed during termination, up to timeout.
func (r *run) drain(chunks <-chan []byte, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			r.feed(chunk)
		case <-deadline.C:
			r.logger.Warn("stdout still open after termination")
			return
		}
	}
}

func (r *run) feed(chunk []byte) {
	for _, line := range r.split.Write(chunk) {
		r.handle(line)
	}
}

func (r *run) handle(line []byte) {
	cls, events := r.ad.HandleLine(line)
	now := time.Now()
	if cls.ResetsTimer {
		r.lastReset = now
		r.obs.Output(now)
	}
	if cls.Phase != "" && cls.Phase != r.phase {
		r.logger.Debug("phase change", "from", r.phase, "to", cls.Phase)
		r.phase = cls.Phase
		r.obs.PhaseChanged(cls.Phase)
	}
	for _, ev := range events {
		r.emit(ev)
	}
}

func (r *run) emit(ev agentstream.Event) {
	if r.terminal != nil {
		return
	}
	r.g.Emit(ev)
	if ev.IsTerminal() {
		r.terminal = &ev
	}
}

func (r *run) emitNonTerminal(events []agentstream.Event) {
	for _, ev := range events {
		if !ev.IsTerminal() {
			r.emit(ev)
		}
	}
}

func readChunks(rd io.Reader, size int, out chan<- []byte, stop <-chan struct{}) {
	defer close(out)
	buf := make([]byte, size)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func exitMessage(exit ExitStatus) string {
	msg := fmt.Sprintf("process exited with code %d", exit.ExitCode)
	if t := strings.TrimSpace(exit.StderrTail); t != "" {
		msg += ": " + t
	}
	return msg
}
