package codex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/internal/slogx"
	"github.com/bazelment/chatstream/sessionstore"
	"github.com/bazelment/chatstream/supervisor"
)

// staleThreadMarkers are printed when `resume` names a thread whose rollout
// is gone.
var staleThreadMarkers = []string{"no rollout found", "thread not found"}

const storeTimeout = 5 * time.Second

var (
	heartbeat = supervisor.Classification{ResetsTimer: true}
	malformed = supervisor.Classification{}
)

type openTool struct {
	call  toolCall
	index int
}

// parseState translates one `codex exec --json` run. It implements
// supervisor.Adapter.
type parseState struct {
	ctx            context.Context
	logger         *slog.Logger
	sessions       sessionstore.Store
	tools          map[string]*openTool
	conversationID string
	resumedFrom    string
	threadID       string
	failure        string
	lastError      string
	next           int
	completed      bool
	persisted      bool
}

var _ supervisor.Adapter = (*parseState)(nil)

func newParseState(ctx context.Context, logger *slog.Logger, sessions sessionstore.Store, conversationID, resumedFrom string) *parseState {
	return &parseState{
		ctx:            context.WithoutCancel(ctx),
		logger:         logger,
		sessions:       sessions,
		tools:          make(map[string]*openTool),
		conversationID: conversationID,
		resumedFrom:    resumedFrom,
	}
}

// HandleLine implements supervisor.Adapter.
func (s *parseState) HandleLine(line []byte) (supervisor.Classification, []agentstream.Event) {
	if !gjson.ValidBytes(line) {
		s.logger.Warn("skipping malformed line", slogx.Truncated("line", string(line), 256))
		return malformed, nil
	}
	msg := gjson.ParseBytes(line)

	switch typ := msg.Get("type").String(); typ {
	case lineThreadStarted:
		s.captureThread(msg.Get("thread_id").String())
		return supervisor.Classification{Phase: supervisor.PhaseInitial, ResetsTimer: true}, nil
	case lineTurnStarted:
		return supervisor.Classification{Phase: supervisor.PhaseInitial, ResetsTimer: true}, nil
	case lineItemStarted:
		return s.itemStarted(msg.Get("item"))
	case lineItemUpdated:
		return heartbeat, nil
	case lineItemCompleted:
		return s.itemCompleted(msg.Get("item"))
	case lineTurnCompleted:
		s.completed = true
		return heartbeat, s.usage(msg.Get("usage"))
	case lineTurnFailed:
		s.failure = msg.Get("error.message").String()
		if s.failure == "" {
			s.failure = "codex turn failed"
		}
		return heartbeat, nil
	case lineError:
		// transient reconnect notices arrive here too; only the last one
		// matters if the turn never completes
		s.lastError = msg.Get("message").String()
		s.logger.Warn("codex reported an error", "message", s.lastError)
		return heartbeat, nil
	default:
		s.logger.Debug("skipping unknown line type", "type", typ)
		return heartbeat, nil
	}
}

// PendingToolWork implements supervisor.Adapter.
func (s *parseState) PendingToolWork() bool { return len(s.tools) > 0 }

// Finish implements supervisor.Adapter.
func (s *parseState) Finish(exit supervisor.ExitStatus) []agentstream.Event {
	if s.threadID != "" && !s.persisted {
		s.persist()
	}
	tail := strings.TrimSpace(exit.StderrTail)

	switch {
	case s.failure != "":
		s.clearIfStale(s.failure + "\n" + tail)
		return []agentstream.Event{agentstream.ClassifyFailure(agentstream.ErrorProvider, s.failure)}
	case s.completed:
		if exit.ExitCode != 0 {
			s.logger.Warn("codex exited non-zero after a completed turn", "exit_code", exit.ExitCode)
		}
		return []agentstream.Event{agentstream.Done(agentstream.StopEndTurn)}
	}

	s.clearIfStale(s.lastError + "\n" + tail)
	switch {
	case s.lastError != "":
		return []agentstream.Event{agentstream.ClassifyFailure(agentstream.ErrorProvider, s.lastError)}
	case agentstream.LooksLikeAuthFailure(tail):
		return []agentstream.Event{agentstream.ErrorEvent(agentstream.ErrorAuth, tail)}
	case exit.ExitCode != 0:
		msg := fmt.Sprintf("codex exited with code %d", exit.ExitCode)
		if tail != "" {
			msg += ": " + tail
		}
		return []agentstream.Event{agentstream.ErrorEvent(agentstream.ErrorProcess, msg)}
	default:
		return []agentstream.Event{agentstream.ErrorEvent(agentstream.ErrorProtocol, "codex exited without completing the turn")}
	}
}

func (s *parseState) itemStarted(item gjson.Result) (supervisor.Classification, []agentstream.Event) {
	call, ok := asToolCall(item)
	if !ok {
		return supervisor.Classification{Phase: supervisor.PhaseStreaming, ResetsTimer: true}, nil
	}
	id := item.Get("id").String()
	if _, dup := s.tools[id]; dup {
		return supervisor.Classification{Phase: supervisor.PhaseToolExecution, ResetsTimer: true}, nil
	}
	return supervisor.Classification{Phase: supervisor.PhaseToolExecution, ResetsTimer: true}, s.openTool(id, call)
}

func (s *parseState) itemCompleted(item gjson.Result) (supervisor.Classification, []agentstream.Event) {
	streaming := supervisor.Classification{Phase: supervisor.PhaseStreaming, ResetsTimer: true}
	switch item.Get("type").String() {
	case itemReasoning:
		text := item.Get("text").String()
		idx := s.alloc()
		out := []agentstream.Event{agentstream.ThinkingStart(idx)}
		if text != "" {
			out = append(out, agentstream.ThinkingDelta(idx, text))
		}
		return streaming, append(out, agentstream.ThinkingStop(idx))
	case itemAgentMessage:
		text := item.Get("text").String()
		idx := s.alloc()
		out := []agentstream.Event{agentstream.TextStart(idx)}
		if text != "" {
			out = append(out, agentstream.TextDelta(idx, text))
		}
		return streaming, append(out, agentstream.TextStop(idx))
	case itemError:
		// non-fatal warnings such as a truncated command output
		s.logger.Warn("codex item error", "message", item.Get("message").String())
		return heartbeat, nil
	case itemTodoList:
		return heartbeat, nil
	}

	call, ok := asToolCall(item)
	if !ok {
		s.logger.Debug("skipping unknown item type", "type", item.Get("type").String())
		return heartbeat, nil
	}
	id := item.Get("id").String()
	var out []agentstream.Event
	t, known := s.tools[id]
	if !known {
		// items can be reported only once they are done
		out = s.openTool(id, call)
		t = s.tools[id]
	}
	delete(s.tools, id)

	content, isError, exitCode := toolOutcome(item)
	result := agentstream.ToolResult(t.index, id, content, isError)
	if exitCode >= 0 {
		result.Metadata[agentstream.MetaExitCode] = exitCode
	}
	out = append(out,
		agentstream.ToolUseStop(t.index, id, t.call.name, t.call.input),
		result)

	phase := supervisor.PhasePendingResponse
	if len(s.tools) > 0 {
		phase = supervisor.PhaseToolExecution
	}
	return supervisor.Classification{Phase: phase, ResetsTimer: true}, out
}

func (s *parseState) openTool(id string, call toolCall) []agentstream.Event {
	idx := s.alloc()
	s.tools[id] = &openTool{call: call, index: idx}
	return []agentstream.Event{
		agentstream.ToolUseStart(idx, id, call.name),
		agentstream.ToolUseDelta(idx, call.input),
	}
}

// usage reports the CLI's running totals unchanged, flagged cumulative so
// consumers do not add them up.
func (s *parseState) usage(u gjson.Result) []agentstream.Event {
	if !u.Exists() {
		return nil
	}
	total := agentstream.Usage{
		InputTokens:           u.Get("input_tokens").Int(),
		CacheReadInputTokens:  u.Get("cached_input_tokens").Int(),
		OutputTokens:          u.Get("output_tokens").Int(),
		ReasoningOutputTokens: u.Get("reasoning_output_tokens").Int(),
		Cumulative:            true,
	}
	if total.IsZero() {
		return nil
	}
	return []agentstream.Event{agentstream.UsageEvent(total)}
}

func (s *parseState) alloc() int {
	idx := s.next
	s.next++
	return idx
}

func (s *parseState) captureThread(id string) {
	if id == "" || id == s.threadID {
		return
	}
	s.threadID = id
	s.persisted = false
	s.persist()
}

func (s *parseState) persist() {
	if s.sessions == nil || s.conversationID == "" {
		s.persisted = true
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if err := s.sessions.SetSessionID(ctx, s.conversationID, s.threadID); err != nil {
		s.logger.Warn("failed to persist thread id, will retry at exit", "thread_id", s.threadID, slogx.Error(err))
		return
	}
	s.persisted = true
}

func (s *parseState) clearIfStale(text string) {
	if s.resumedFrom == "" || s.sessions == nil {
		return
	}
	lower := strings.ToLower(text)
	for _, marker := range staleThreadMarkers {
		if !strings.Contains(lower, marker) {
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
		defer cancel()
		s.logger.Warn("stored thread no longer exists, clearing", "thread_id", s.resumedFrom)
		if err := s.sessions.Clear(ctx, s.conversationID); err != nil {
			s.logger.Warn("failed to clear stale thread", slogx.Error(err))
		}
		return
	}
}
