package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/chatstream/agentstream"
)

// lineAdapter understands a tiny word grammar:
//
//	text <s>   text delta (opens block 0 on first use)
//	tool       opens a tool block and marks tool work pending
//	tool_done  closes the tool block with a result
//	hb         heartbeat, resets the timer only
//	phase <p>  switches phase
//	result     marks the stream well-formed
type lineAdapter struct {
	exit      ExitStatus
	lines     []string
	next      int
	textOpen  bool
	toolIdx   int
	pending   bool
	sawResult bool
}

func (a *lineAdapter) HandleLine(line []byte) (Classification, []agentstream.Event) {
	s := string(line)
	a.lines = append(a.lines, s)
	word, arg, _ := strings.Cut(s, " ")
	switch word {
	case "text":
		var out []agentstream.Event
		if !a.textOpen {
			a.textOpen = true
			out = append(out, agentstream.TextStart(0))
			a.next = 1
		}
		out = append(out, agentstream.TextDelta(0, arg))
		return Classification{Phase: PhaseStreaming, ResetsTimer: true}, out
	case "tool":
		a.toolIdx = a.next
		a.next++
		a.pending = true
		return Classification{Phase: PhaseToolExecution, ResetsTimer: true},
			[]agentstream.Event{agentstream.ToolUseStart(a.toolIdx, "t1", "Bash")}
	case "tool_done":
		a.pending = false
		return Classification{Phase: PhasePendingResponse, ResetsTimer: true}, []agentstream.Event{
			agentstream.ToolUseStop(a.toolIdx, "t1", "Bash", "{}"),
			agentstream.ToolResult(a.toolIdx, "t1", "ok", false),
		}
	case "hb":
		return Classification{ResetsTimer: true}, nil
	case "phase":
		return Classification{Phase: Phase(arg), ResetsTimer: true}, nil
	case "result":
		a.sawResult = true
		return Classification{ResetsTimer: true}, nil
	default:
		return Classification{}, nil
	}
}

func (a *lineAdapter) PendingToolWork() bool { return a.pending }

func (a *lineAdapter) Finish(exit ExitStatus) []agentstream.Event {
	a.exit = exit
	if a.sawResult {
		return []agentstream.Event{agentstream.UsageEvent(agentstream.Usage{OutputTokens: 1}), agentstream.Done(agentstream.StopEndTurn)}
	}
	return nil
}

type recordingObserver struct {
	phases []Phase
	mu     sync.Mutex
	output int
}

func (o *recordingObserver) PhaseChanged(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, p)
}

func (o *recordingObserver) Output(time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.output++
}

func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GracePeriod = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.DrainTimeout = 500 * time.Millisecond
	return cfg
}

func runCLI(t *testing.T, ctx context.Context, cfg Config, inv Invocation, ad Adapter) (Result, []agentstream.Event) {
	t.Helper()
	var events []agentstream.Event
	g := agentstream.NewGuard(agentstream.Collect(&events), nil)
	res := New(cfg, nil).Run(ctx, inv, ad, g)
	require.True(t, g.Done(), "stream must be terminated")
	return res, events
}

func types(events []agentstream.Event) []agentstream.EventType {
	out := make([]agentstream.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRun_CompletesAndSynthesizesStops(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo "text hel"; echo "text lo"; echo result`)

	res, events := runCLI(t, context.Background(), testConfig(), Invocation{Path: cli}, &lineAdapter{})

	assert.Equal(t, StatusCompleted, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, []agentstream.EventType{
		agentstream.TypeTextStart, agentstream.TypeTextDelta, agentstream.TypeTextDelta,
		agentstream.TypeUsage, agentstream.TypeTextStop, agentstream.TypeDone,
	}, types(events))
	assert.Equal(t, agentstream.StopEndTurn, events[5].MetaString(agentstream.MetaStopReason))
}

func TestRun_StdinAndPartialLine(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `read -r l; printf 'text %s' "$l"`)
	ad := &lineAdapter{}

	res, events := runCLI(t, context.Background(), testConfig(), Invocation{Path: cli, Stdin: "from-stdin\n"}, ad)

	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, ad.lines, 1)
	assert.Equal(t, "text from-stdin", ad.lines[0])
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, "from-stdin", events[1].Content)
}

func TestRun_NonZeroExitWithWellFormedStreamIsDone(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo result; exit 2`)
	ad := &lineAdapter{}

	res, events := runCLI(t, context.Background(), testConfig(), Invocation{Path: cli}, ad)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, 2, ad.exit.ExitCode)
	assert.Equal(t, agentstream.TypeDone, events[len(events)-1].Type)
}

func TestRun_NonZeroExitWithoutResultIsError(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo "text partial"; echo "boom" >&2; exit 3`)

	res, events := runCLI(t, context.Background(), testConfig(), Invocation{Path: cli}, &lineAdapter{})

	assert.Equal(t, StatusErrored, res.Status)
	var pe *ProcessError
	require.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, 3, pe.ExitCode)
	last := events[len(events)-1]
	assert.Equal(t, agentstream.TypeError, last.Type)
	assert.Equal(t, agentstream.ErrorProcess, agentstream.ErrorKindOf(last))
	assert.Contains(t, last.Content, "code 3")
	assert.Contains(t, last.Content, "boom")
	assert.Equal(t, agentstream.TypeTextStop, events[len(events)-2].Type)
}

func TestRun_IdleTimeout(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo "text hi"; exec sleep 30`)
	cfg := testConfig()
	cfg.PhaseTimeouts[PhaseStreaming] = 150 * time.Millisecond
	ad := &lineAdapter{}

	start := time.Now()
	res, events := runCLI(t, context.Background(), cfg, Invocation{Path: cli}, ad)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.ErrorIs(t, res.Err, ErrIdleTimeout)
	assert.Equal(t, PhaseStreaming, res.Phase)
	assert.True(t, ad.exit.TimedOut)
	assert.Equal(t, []agentstream.EventType{
		agentstream.TypeTextStart, agentstream.TypeTextDelta, agentstream.TypeTextStop, agentstream.TypeError,
	}, types(events))
	assert.Equal(t, agentstream.ErrorTimeout, agentstream.ErrorKindOf(events[3]))
}

func TestRun_HeartbeatsKeepStreamAlive(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo tool; for i in 1 2 3 4 5 6; do sleep 0.1; echo hb; done; echo tool_done; echo result`)
	cfg := testConfig()
	cfg.PhaseTimeouts[PhaseToolExecution] = 400 * time.Millisecond
	obs := &recordingObserver{}

	res, _ := runCLI(t, WithObserver(context.Background(), obs), cfg, Invocation{Path: cli}, &lineAdapter{})

	assert.Equal(t, StatusCompleted, res.Status)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []Phase{PhaseInitial, PhaseToolExecution, PhasePendingResponse}, obs.phases)
	assert.GreaterOrEqual(t, obs.output, 8)
}

func TestRun_MalformedLinesDoNotResetTimer(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo "text hi"; for i in 1 2 3 4 5 6 7 8 9 10; do sleep 0.05; echo garbage; done; exec sleep 30`)
	cfg := testConfig()
	cfg.PhaseTimeouts[PhaseStreaming] = 200 * time.Millisecond

	res, _ := runCLI(t, context.Background(), cfg, Invocation{Path: cli}, &lineAdapter{})

	assert.Equal(t, StatusTimedOut, res.Status)
}

func TestRun_Abort(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo "text hi"; exec sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, events := runCLI(t, ctx, testConfig(), Invocation{Path: cli}, &lineAdapter{})

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StatusAborted, res.Status)
	assert.ErrorIs(t, res.Err, ErrAborted)
	last := events[len(events)-1]
	assert.Equal(t, agentstream.TypeDone, last.Type)
	assert.Equal(t, agentstream.StopInterrupted, last.MetaString(agentstream.MetaStopReason))
}

func TestRun_AbortDeferredWhileToolPending(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo tool; sleep 0.5; echo tool_done; exec sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	res, events := runCLI(t, ctx, testConfig(), Invocation{Path: cli}, &lineAdapter{})

	assert.Equal(t, StatusAborted, res.Status)
	assert.Equal(t, []agentstream.EventType{
		agentstream.TypeToolUseStart, agentstream.TypeToolUseStop, agentstream.TypeToolResult, agentstream.TypeDone,
	}, types(events))
	assert.Equal(t, "ok", events[2].Content)
}

func TestRun_PendingToolWorkUsesToolBudget(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo tool; echo "phase streaming"; sleep 0.5; echo tool_done; echo result`)
	cfg := testConfig()
	cfg.PhaseTimeouts[PhaseStreaming] = 150 * time.Millisecond
	cfg.PhaseTimeouts[PhaseToolExecution] = 5 * time.Second

	res, events := runCLI(t, context.Background(), cfg, Invocation{Path: cli}, &lineAdapter{})

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Contains(t, types(events), agentstream.TypeToolResult)
}

func TestRun_PendingToolWorkTimesOutOnToolBudget(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo tool; echo "phase streaming"; exec sleep 30`)
	cfg := testConfig()
	cfg.PhaseTimeouts[PhaseStreaming] = 100 * time.Millisecond
	cfg.PhaseTimeouts[PhaseToolExecution] = 400 * time.Millisecond

	start := time.Now()
	res, events := runCLI(t, context.Background(), cfg, Invocation{Path: cli}, &lineAdapter{})

	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.ErrorIs(t, res.Err, ErrIdleTimeout)
	assert.Contains(t, res.Err.Error(), "tool_execution")
	last := events[len(events)-1]
	assert.Equal(t, agentstream.ErrorTimeout, agentstream.ErrorKindOf(last))
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cleaned := false

	res, events := runCLI(t, ctx, testConfig(), Invocation{Path: "/bin/true", Cleanup: func() { cleaned = true }}, &lineAdapter{})

	assert.Equal(t, StatusAborted, res.Status)
	assert.True(t, cleaned)
	require.Len(t, events, 1)
	assert.Equal(t, agentstream.TypeDone, events[0].Type)
}

func TestRun_BinaryNotFound(t *testing.T) {
	t.Parallel()
	cleaned := false
	inv := Invocation{Path: filepath.Join(t.TempDir(), "missing-cli"), Cleanup: func() { cleaned = true }}

	res, events := runCLI(t, context.Background(), testConfig(), inv, &lineAdapter{})

	assert.Equal(t, StatusErrored, res.Status)
	var nf *CLINotFoundError
	assert.ErrorAs(t, res.Err, &nf)
	assert.True(t, cleaned)
	require.Len(t, events, 1)
	assert.Equal(t, agentstream.ErrorProcess, agentstream.ErrorKindOf(events[0]))
}

func TestRun_CleanupAndAfterExit(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo result`)
	var order []string
	inv := Invocation{
		Path:      cli,
		AfterExit: func() { order = append(order, "after_exit") },
		Cleanup:   func() { order = append(order, "cleanup") },
	}

	runCLI(t, context.Background(), testConfig(), inv, &lineAdapter{})

	assert.Equal(t, []string{"after_exit", "cleanup"}, order)
}

func TestRun_EnvAndDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cli := fakeCLI(t, `echo "text $FAKE_VAR:$(pwd)"; echo result`)
	ad := &lineAdapter{}

	runCLI(t, context.Background(), testConfig(), Invocation{Path: cli, Dir: dir, Env: []string{"FAKE_VAR=set"}}, ad)

	require.NotEmpty(t, ad.lines)
	assert.True(t, strings.HasPrefix(ad.lines[0], "text set:"))
	assert.True(t, strings.HasSuffix(ad.lines[0], filepath.Base(dir)))
}

func TestInvocation_String(t *testing.T) {
	t.Parallel()
	inv := Invocation{Path: "claude", Args: []string{"-p", "--model", "sonnet", "--system-prompt", "it's fine", ""}}
	assert.Equal(t, `claude -p --model sonnet --system-prompt 'it'\''s fine' ''`, inv.String())
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()
	cfg := Config{PhaseTimeouts: map[Phase]time.Duration{PhaseStreaming: time.Minute}}.withDefaults()
	assert.Equal(t, time.Minute, cfg.TimeoutFor(PhaseStreaming))
	assert.Equal(t, DefaultPhaseTimeout, cfg.TimeoutFor(PhaseToolExecution))
	assert.Equal(t, DefaultGracePeriod, cfg.GracePeriod)
	assert.Equal(t, DefaultReadChunkSize, cfg.ReadChunkSize)

	p, err := ParsePhase("tool_execution")
	require.NoError(t, err)
	assert.Equal(t, PhaseToolExecution, p)
	_, err = ParsePhase("nope")
	assert.Error(t, err)
}

func TestGroupAccess(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	GroupAccess(slog.Default(), path, filepath.Join(dir, "missing.json"))()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())
}
