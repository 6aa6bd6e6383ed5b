package openai

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bazelment/chatstream/agentstream"
)

type toolCall struct {
	id    string
	name  string
	args  strings.Builder
	index int
}

// deltaState accumulates a Chat Completions stream. Text and reasoning
// arrive as flat deltas; tool calls arrive keyed by their own index and may
// interleave, so each gets its own normalized block.
type deltaState struct {
	logger       *slog.Logger
	tools        map[int64]*toolCall
	finishReason string
	order        []int64
	next         int
	textIdx      int
	thinkIdx     int
	sawDone      bool
}

func newDeltaState(logger *slog.Logger) *deltaState {
	return &deltaState{
		logger:   logger,
		tools:    make(map[int64]*toolCall),
		textIdx:  -1,
		thinkIdx: -1,
	}
}

// apply translates one data frame.
func (s *deltaState) apply(data []byte) []agentstream.Event {
	if !gjson.ValidBytes(data) {
		s.logger.Warn("skipping malformed chunk", "data", truncate(string(data), 200))
		return nil
	}
	chunk := gjson.ParseBytes(data)

	if e := chunk.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return []agentstream.Event{agentstream.ClassifyFailure(agentstream.ErrorProvider, msg)}
	}

	var out []agentstream.Event
	choice := chunk.Get("choices.0")
	if choice.Exists() {
		delta := choice.Get("delta")
		if r := reasoningText(delta); r != "" {
			out = append(out, s.closeText()...)
			if s.thinkIdx < 0 {
				s.thinkIdx = s.alloc()
				out = append(out, agentstream.ThinkingStart(s.thinkIdx))
			}
			out = append(out, agentstream.ThinkingDelta(s.thinkIdx, r))
		}
		if c := delta.Get("content"); c.Type == gjson.String && c.Str != "" {
			out = append(out, s.closeThinking()...)
			if s.textIdx < 0 {
				s.textIdx = s.alloc()
				out = append(out, agentstream.TextStart(s.textIdx))
			}
			out = append(out, agentstream.TextDelta(s.textIdx, c.Str))
		}
		delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			out = append(out, s.toolDelta(tc)...)
			return true
		})
		if f := choice.Get("finish_reason"); f.Type == gjson.String && f.Str != "" {
			s.finishReason = f.Str
			out = append(out, s.closeAll()...)
		}
	}

	if u := chunk.Get("usage"); u.IsObject() {
		out = append(out, agentstream.UsageEvent(agentstream.Usage{
			InputTokens:           u.Get("prompt_tokens").Int(),
			OutputTokens:          u.Get("completion_tokens").Int(),
			CacheReadInputTokens:  u.Get("prompt_tokens_details.cached_tokens").Int(),
			ReasoningOutputTokens: u.Get("completion_tokens_details.reasoning_tokens").Int(),
			Cumulative:            true,
		}))
	}
	return out
}

// finish closes the stream once the frames are exhausted. A stream that
// neither reported a finish_reason nor sent [DONE] was cut short.
func (s *deltaState) finish() []agentstream.Event {
	out := s.closeAll()
	if s.finishReason == "" && !s.sawDone {
		return append(out, agentstream.ErrorEvent(agentstream.ErrorTransport, "openai stream ended before finish_reason"))
	}
	done := agentstream.Done(normalizeFinish(s.finishReason))
	if s.finishReason != "" {
		done.Metadata[agentstream.MetaFinishReason] = s.finishReason
	}
	return append(out, done)
}

func normalizeFinish(reason string) string {
	switch reason {
	case "", "stop":
		return agentstream.StopEndTurn
	case "tool_calls", "function_call":
		return agentstream.StopToolUse
	case "length":
		return agentstream.StopMaxTokens
	default:
		return reason
	}
}

func (s *deltaState) toolDelta(tc gjson.Result) []agentstream.Event {
	var out []agentstream.Event
	key := tc.Get("index").Int()
	call, ok := s.tools[key]
	if !ok {
		out = append(out, s.closeText()...)
		out = append(out, s.closeThinking()...)
		call = &toolCall{
			id:    tc.Get("id").String(),
			name:  tc.Get("function.name").String(),
			index: s.alloc(),
		}
		if call.id == "" {
			call.id = fmt.Sprintf("call_%d", key)
		}
		s.tools[key] = call
		s.order = append(s.order, key)
		out = append(out, agentstream.ToolUseStart(call.index, call.id, call.name))
	}
	if args := tc.Get("function.arguments").String(); args != "" {
		call.args.WriteString(args)
		out = append(out, agentstream.ToolUseDelta(call.index, args))
	}
	return out
}

func (s *deltaState) closeText() []agentstream.Event {
	if s.textIdx < 0 {
		return nil
	}
	idx := s.textIdx
	s.textIdx = -1
	return []agentstream.Event{agentstream.TextStop(idx)}
}

func (s *deltaState) closeThinking() []agentstream.Event {
	if s.thinkIdx < 0 {
		return nil
	}
	idx := s.thinkIdx
	s.thinkIdx = -1
	return []agentstream.Event{agentstream.ThinkingStop(idx)}
}

func (s *deltaState) closeAll() []agentstream.Event {
	out := s.closeThinking()
	out = append(out, s.closeText()...)
	for _, key := range s.order {
		call := s.tools[key]
		args := call.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, agentstream.ToolUseStop(call.index, call.id, call.name, args))
	}
	s.order = nil
	s.tools = make(map[int64]*toolCall)
	return out
}

func (s *deltaState) alloc() int {
	idx := s.next
	s.next++
	return idx
}

func reasoningText(delta gjson.Result) string {
	for _, key := range []string{"reasoning_content", "reasoning"} {
		if r := delta.Get(key); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
