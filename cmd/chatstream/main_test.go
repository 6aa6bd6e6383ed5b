package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/config"
	"github.com/bazelment/chatstream/journal"
	"github.com/bazelment/chatstream/supervisor"
)

func TestReadPrompt(t *testing.T) {
	p, err := readPrompt(strings.NewReader("ignored"), []string{"from args"})
	require.NoError(t, err)
	assert.Equal(t, "from args", p)

	p, err = readPrompt(strings.NewReader("  from stdin\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", p)

	_, err = readPrompt(strings.NewReader(" \n"), nil)
	assert.Error(t, err)
}

func TestPrintFrame(t *testing.T) {
	var buf bytes.Buffer
	for i, ev := range []agentstream.Event{
		agentstream.TextDelta(0, "Hi"),
		agentstream.ToolUseStart(1, "t1", "Bash"),
		agentstream.ToolResult(1, "t1", "boom\ntrace", true),
		agentstream.ErrorEvent(agentstream.ErrorAuth, "bad key"),
	} {
		printFrame(&buf, journal.FrameOf(journal.Entry{Index: int64(i), Event: ev}, false))
	}
	printFrame(&buf, journal.Frame{Type: journal.FrameKeepalive})

	assert.Equal(t, "Hi\n[tool Bash]\n[tool error] boom\n\n[error] authentication_error: bad key\n", buf.String())
}

func TestFollow_ReconnectsAfterReadTimeout(t *testing.T) {
	j := journal.New(journal.NewMemoryStore(), journal.WithConfig(journal.Config{
		MaxReadDuration: 100 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
	}))
	ctx := context.Background()
	require.NoError(t, j.Begin(ctx, "c1"))
	_, err := j.Append(ctx, "c1", agentstream.TextStart(0))
	require.NoError(t, err)

	go func() {
		time.Sleep(300 * time.Millisecond)
		_, _ = j.Append(ctx, "c1", agentstream.TextDelta(0, "late"))
		_, _ = j.Append(ctx, "c1", agentstream.TextStop(0))
		_, _ = j.Append(ctx, "c1", agentstream.Done(agentstream.StopEndTurn))
		_ = j.Finish(ctx, "c1", journal.StatusCompleted)
	}()

	var types []string
	var indexes []int64
	err = follow(ctx, j, "c1", 0, journal.ReadOptions{}, func(f journal.Frame) error {
		types = append(types, f.Type)
		if f.IsEvent() {
			indexes = append(indexes, f.Index)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 3}, indexes)
	assert.NotContains(t, types, journal.FrameTimeout)
	assert.Equal(t, journal.FrameStreamStatus, types[len(types)-1])
}

func TestNewApp_AppliesPhaseTimeouts(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Anthropic.Enabled = false
	cfg.Providers.OpenAI.Enabled = false

	a, err := newApp(cfg, slog.Default())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"claude", "codex"}, a.runner.Providers())
	require.Len(t, a.supervisors, 2)

	reloaded := config.Default()
	reloaded.Supervisor.PhaseTimeouts = map[string]config.Duration{
		"tool_execution": config.Duration(5 * time.Minute),
	}
	a.applyPhaseTimeouts(reloaded)
	for _, s := range a.supervisors {
		assert.Equal(t, 5*time.Minute, s.Config().TimeoutFor(supervisor.PhaseToolExecution))
		assert.Equal(t, supervisor.DefaultPhaseTimeout, s.Config().TimeoutFor(supervisor.PhaseInitial))
	}
}
