package claude

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/internal/slogx"
	"github.com/bazelment/chatstream/protocol"
	"github.com/bazelment/chatstream/sessionstore"
	"github.com/bazelment/chatstream/supervisor"
)

// staleSessionMarker is printed when --resume names a session the CLI no
// longer has.
const staleSessionMarker = "no conversation found with session id"

const storeTimeout = 5 * time.Second

var (
	heartbeat = supervisor.Classification{ResetsTimer: true}
	malformed = supervisor.Classification{}
)

// parseState translates one stream-json run. It implements
// supervisor.Adapter and is driven from the supervisor goroutine only.
type parseState struct {
	ctx            context.Context
	logger         *slog.Logger
	sessions       sessionstore.Store
	tr             *protocol.BlockTranslator
	pendingTools   map[string]struct{}
	compaction     *protocol.CompactMetadata
	result         *protocol.ResultMessage
	conversationID string
	resumedFrom    string
	sessionID      string
	fallbackStop   string
	persisted      bool
	sawStreamEvent bool
}

var _ supervisor.Adapter = (*parseState)(nil)

func newParseState(ctx context.Context, logger *slog.Logger, sessions sessionstore.Store, conversationID, resumedFrom string) *parseState {
	return &parseState{
		ctx:            context.WithoutCancel(ctx),
		logger:         logger,
		sessions:       sessions,
		tr:             protocol.NewBlockTranslator(logger),
		pendingTools:   make(map[string]struct{}),
		conversationID: conversationID,
		resumedFrom:    resumedFrom,
	}
}

// HandleLine implements supervisor.Adapter.
func (s *parseState) HandleLine(line []byte) (supervisor.Classification, []agentstream.Event) {
	msg, err := protocol.ParseMessage(line)
	if err != nil {
		s.logger.Warn("skipping malformed line", slogx.Error(err), slogx.Truncated("line", string(line), 256))
		return malformed, nil
	}
	if msg == nil {
		// rate limit notices and other progress lines
		return heartbeat, nil
	}

	switch m := msg.(type) {
	case protocol.SystemMessage:
		s.captureSession(m.SessionID)
		return s.system(m)
	case protocol.StreamEvent:
		s.captureSession(m.SessionID)
		return s.streamEvent(m)
	case protocol.AssistantMessage:
		s.captureSession(m.SessionID)
		return s.assistant(m)
	case protocol.UserMessage:
		s.captureSession(m.SessionID)
		return s.user(m)
	case protocol.ResultMessage:
		s.captureSession(m.SessionID)
		return s.resultLine(m)
	default:
		return heartbeat, nil
	}
}

// PendingToolWork implements supervisor.Adapter.
func (s *parseState) PendingToolWork() bool {
	return s.tr.OpenToolUse() || len(s.pendingTools) > 0
}

// Finish implements supervisor.Adapter.
func (s *parseState) Finish(exit supervisor.ExitStatus) []agentstream.Event {
	if s.sessionID != "" && !s.persisted {
		s.persist()
	}

	if s.result == nil {
		tail := strings.TrimSpace(exit.StderrTail)
		s.clearIfStale(tail)
		switch {
		case agentstream.LooksLikeAuthFailure(tail):
			return []agentstream.Event{agentstream.ErrorEvent(agentstream.ErrorAuth, tail)}
		case exit.ExitCode != 0:
			msg := fmt.Sprintf("claude exited with code %d", exit.ExitCode)
			if tail != "" {
				msg += ": " + tail
			}
			return []agentstream.Event{agentstream.ErrorEvent(agentstream.ErrorProcess, msg)}
		default:
			return []agentstream.Event{agentstream.ErrorEvent(agentstream.ErrorProtocol, "claude exited without a result")}
		}
	}

	r := s.result
	if r.IsError || strings.HasPrefix(r.Subtype, "error") {
		msg := strings.TrimSpace(r.Result)
		if msg == "" {
			msg = r.Subtype
		}
		s.clearIfStale(msg + "\n" + exit.StderrTail)
		return []agentstream.Event{agentstream.ClassifyFailure(agentstream.ErrorProvider, msg)}
	}
	if exit.ExitCode != 0 {
		s.logger.Warn("claude exited non-zero after a successful result", "exit_code", exit.ExitCode)
	}

	stop := r.StopReason
	if stop == "" {
		stop = s.tr.StopReason()
	}
	if stop == "" {
		stop = s.fallbackStop
	}
	return []agentstream.Event{agentstream.Done(stop)}
}

func (s *parseState) system(m protocol.SystemMessage) (supervisor.Classification, []agentstream.Event) {
	switch m.Subtype {
	case protocol.SubtypeInit:
		md := map[string]any{
			agentstream.MetaSubtype:   m.Subtype,
			agentstream.MetaSessionID: m.SessionID,
			agentstream.MetaModel:     m.Model,
		}
		if len(m.Tools) > 0 {
			md[agentstream.MetaTools] = m.Tools
		}
		if m.PermissionMode != "" {
			md[agentstream.MetaPermissionMode] = m.PermissionMode
		}
		return supervisor.Classification{Phase: supervisor.PhaseInitial, ResetsTimer: true},
			[]agentstream.Event{agentstream.SystemInfo(m.Model, md)}
	case protocol.SubtypeCompactBoundary:
		meta := protocol.CompactMetadata{}
		if m.CompactMetadata != nil {
			meta = *m.CompactMetadata
		}
		s.compaction = &meta
		s.logger.Info("context compaction started", "trigger", meta.Trigger, "pre_tokens", meta.PreTokens)
		return supervisor.Classification{Phase: supervisor.PhasePendingResponse, ResetsTimer: true}, nil
	default:
		return heartbeat, nil
	}
}

func (s *parseState) streamEvent(m protocol.StreamEvent) (supervisor.Classification, []agentstream.Event) {
	if m.ParentToolUseID != nil {
		// subagent traffic; the parent's tool result summarizes it
		return heartbeat, nil
	}
	ev, err := protocol.ParseStreamEvent(m.Event)
	if err != nil {
		s.logger.Warn("skipping malformed stream event", slogx.Error(err))
		return malformed, nil
	}
	s.sawStreamEvent = true
	if ev == nil {
		return heartbeat, nil
	}

	out := s.tr.Translate(ev)
	s.trackToolStops(out)

	phase := supervisor.PhaseStreaming
	switch ev.EventType() {
	case protocol.StreamEventTypeMessageDelta, protocol.StreamEventTypeMessageStop:
		if len(s.pendingTools) > 0 {
			phase = supervisor.PhaseToolExecution
		}
	}
	return supervisor.Classification{Phase: phase, ResetsTimer: true}, out
}

func (s *parseState) assistant(m protocol.AssistantMessage) (supervisor.Classification, []agentstream.Event) {
	if s.sawStreamEvent || m.ParentToolUseID != nil {
		return heartbeat, nil
	}
	blocks, ok := m.Message.Content.AsBlocks()
	if !ok {
		return heartbeat, nil
	}
	out := s.tr.TranslateBlocks(blocks)
	out = append(out, protocol.UsageFromMessage(m.Message.Usage)...)
	s.trackToolStops(out)
	if m.Message.StopReason != nil {
		s.fallbackStop = *m.Message.StopReason
	}
	phase := supervisor.PhaseStreaming
	if len(s.pendingTools) > 0 {
		phase = supervisor.PhaseToolExecution
	}
	return supervisor.Classification{Phase: phase, ResetsTimer: true}, out
}

func (s *parseState) user(m protocol.UserMessage) (supervisor.Classification, []agentstream.Event) {
	if m.ParentToolUseID != nil {
		return heartbeat, nil
	}
	if s.compaction != nil {
		meta := s.compaction
		s.compaction = nil
		summary := m.Message.Content.Text()
		return supervisor.Classification{Phase: supervisor.PhasePendingResponse, ResetsTimer: true},
			[]agentstream.Event{agentstream.CompactionSummary(summary, meta.Trigger, meta.PreTokens)}
	}

	blocks, ok := m.Message.Content.AsBlocks()
	if !ok {
		return heartbeat, nil
	}
	var out []agentstream.Event
	for _, block := range blocks {
		tr, ok := block.(protocol.ToolResultBlock)
		if !ok {
			continue
		}
		idx, known := s.tr.ToolBlockIndex(tr.ToolUseID)
		if !known {
			s.logger.Debug("tool result for unknown tool use", "tool_use_id", tr.ToolUseID)
			idx = s.tr.Allocate()
		}
		delete(s.pendingTools, tr.ToolUseID)
		out = append(out, agentstream.ToolResult(idx, tr.ToolUseID, tr.Content.Text(), tr.IsError))
	}
	if len(out) == 0 {
		return heartbeat, nil
	}
	phase := supervisor.PhasePendingResponse
	if len(s.pendingTools) > 0 {
		phase = supervisor.PhaseToolExecution
	}
	return supervisor.Classification{Phase: phase, ResetsTimer: true}, out
}

func (s *parseState) resultLine(m protocol.ResultMessage) (supervisor.Classification, []agentstream.Event) {
	s.result = &m
	clear(s.pendingTools)
	u := agentstream.Usage{
		InputTokens:              m.Usage.InputTokens,
		OutputTokens:             m.Usage.OutputTokens,
		CacheReadInputTokens:     m.Usage.CacheReadInputTokens,
		CacheCreationInputTokens: m.Usage.CacheCreationInputTokens,
		CostUSD:                  m.TotalCostUSD,
		Cumulative:               true,
	}
	if u.IsZero() {
		return heartbeat, nil
	}
	return heartbeat, []agentstream.Event{agentstream.UsageEvent(u)}
}

func (s *parseState) trackToolStops(events []agentstream.Event) {
	for _, ev := range events {
		if ev.Type == agentstream.TypeToolUseStop {
			if id := ev.MetaString(agentstream.MetaToolUseID); id != "" {
				s.pendingTools[id] = struct{}{}
			}
		}
	}
}

// captureSession persists a session id as soon as it is first seen so a
// crash later in the turn can still resume.
func (s *parseState) captureSession(id string) {
	if id == "" || id == s.sessionID {
		return
	}
	s.sessionID = id
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
	if err := s.sessions.SetSessionID(ctx, s.conversationID, s.sessionID); err != nil {
		s.logger.Warn("failed to persist session id, will retry at exit", "session_id", s.sessionID, slogx.Error(err))
		return
	}
	s.persisted = true
}

// clearIfStale drops a stored session the CLI refused to resume, so the
// next turn starts fresh instead of failing the same way.
func (s *parseState) clearIfStale(text string) {
	if s.resumedFrom == "" || s.sessions == nil || !strings.Contains(strings.ToLower(text), staleSessionMarker) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	s.logger.Warn("stored session no longer exists, clearing", "session_id", s.resumedFrom)
	if err := s.sessions.Clear(ctx, s.conversationID); err != nil {
		s.logger.Warn("failed to clear stale session", slogx.Error(err))
	}
}
