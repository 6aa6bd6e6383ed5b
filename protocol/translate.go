package protocol

import (
	"log/slog"
	"maps"
	"slices"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/bazelment/chatstream/agentstream"
)

type openBlock struct {
	kind     string
	toolID   string
	toolName string
	input    strings.Builder
	index    int
}

// BlockTranslator converts block-grammar stream events into normalized
// events. Provider block indexes restart with every API message, so they
// are remapped onto normalized indexes allocated monotonically for the
// whole stream.
//
// Usage is emitted as increments: message_start reports input and cache
// tokens, and each message_delta reports only what grew since the last
// report for that message, so consumers can sum usage events.
type BlockTranslator struct {
	logger     *slog.Logger
	open       map[int]*openBlock
	toolIndex  map[string]int
	reported   Usage
	stopReason string
	next       int
}

// NewBlockTranslator returns a translator for one stream.
func NewBlockTranslator(logger *slog.Logger) *BlockTranslator {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockTranslator{
		logger:    logger,
		open:      make(map[int]*openBlock),
		toolIndex: make(map[string]int),
	}
}

// StopReason returns the last stop reason reported by message_delta.
func (t *BlockTranslator) StopReason() string { return t.stopReason }

// ToolBlockIndex returns the normalized index of the tool_use block with id.
func (t *BlockTranslator) ToolBlockIndex(id string) (int, bool) {
	idx, ok := t.toolIndex[id]
	return idx, ok
}

// OpenToolUse reports whether a tool_use block is still streaming.
func (t *BlockTranslator) OpenToolUse() bool {
	for _, b := range t.open {
		if b.kind == BlockToolUse {
			return true
		}
	}
	return false
}

// Allocate reserves the next normalized block index.
func (t *BlockTranslator) Allocate() int {
	idx := t.next
	t.next++
	return idx
}

// Translate converts one stream event. Error events yield a terminal
// agentstream error.
func (t *BlockTranslator) Translate(ev StreamEventData) []agentstream.Event {
	switch e := ev.(type) {
	case MessageStartEvent:
		out := t.closeAll()
		t.reported = Usage{}
		u := e.Message.Usage
		u.OutputTokens = 0
		return append(out, t.usageDelta(u)...)
	case ContentBlockStartEvent:
		return t.startBlock(e)
	case ContentBlockDeltaEvent:
		return t.delta(e)
	case ContentBlockStopEvent:
		return t.stopBlock(e.Index)
	case MessageDeltaEvent:
		if e.Delta.StopReason != nil {
			t.stopReason = *e.Delta.StopReason
		}
		return t.usageDelta(e.Usage)
	case ErrorEvent:
		return []agentstream.Event{APIErrorEvent(e.Error)}
	case MessageStopEvent, PingEvent:
		return nil
	default:
		return nil
	}
}

// TranslateBlocks converts a complete message's content into atomic
// start/delta/stop sequences. It serves CLI output that arrives without
// stream events.
func (t *BlockTranslator) TranslateBlocks(blocks ContentBlocks) []agentstream.Event {
	var out []agentstream.Event
	for _, block := range blocks {
		switch b := block.(type) {
		case TextBlock:
			idx := t.Allocate()
			out = append(out, agentstream.TextStart(idx))
			if b.Text != "" {
				out = append(out, agentstream.TextDelta(idx, b.Text))
			}
			out = append(out, agentstream.TextStop(idx))
		case ThinkingBlock:
			idx := t.Allocate()
			out = append(out, agentstream.ThinkingStart(idx))
			if b.Thinking != "" {
				out = append(out, agentstream.ThinkingDelta(idx, b.Thinking))
			}
			if b.Signature != "" {
				out = append(out, agentstream.ThinkingSignature(idx, b.Signature))
			}
			out = append(out, agentstream.ThinkingStop(idx))
		case RedactedThinkingBlock:
			idx := t.Allocate()
			out = append(out,
				agentstream.ThinkingStart(idx),
				agentstream.ThinkingSignature(idx, b.Data),
				agentstream.ThinkingStop(idx))
		case ToolUseBlock:
			idx := t.Allocate()
			input := string(b.Input)
			if input == "" {
				input = "{}"
			}
			t.toolIndex[b.ID] = idx
			out = append(out,
				agentstream.ToolUseStart(idx, b.ID, b.Name),
				agentstream.ToolUseDelta(idx, input),
				agentstream.ToolUseStop(idx, b.ID, b.Name, input))
		}
	}
	return out
}

// UsageFromMessage converts a complete message's usage into a usage event,
// or nil when it is empty.
func UsageFromMessage(u Usage) []agentstream.Event {
	if u.IsZero() {
		return nil
	}
	return []agentstream.Event{agentstream.UsageEvent(toUsage(u))}
}

// APIErrorEvent maps a Messages API error object to a terminal event.
func APIErrorEvent(e APIError) agentstream.Event {
	msg := e.Message
	if msg == "" {
		msg = e.Type
	}
	switch e.Type {
	case "authentication_error", "permission_error":
		return agentstream.ErrorEvent(agentstream.ErrorAuth, msg)
	default:
		ev := agentstream.ErrorEvent(agentstream.ErrorProvider, msg)
		if e.Type != "" {
			ev.Metadata["provider_error_type"] = e.Type
		}
		return ev
	}
}

func (t *BlockTranslator) startBlock(e ContentBlockStartEvent) []agentstream.Event {
	if _, exists := t.open[e.Index]; exists {
		t.logger.Warn("content block started twice", "index", e.Index)
		return nil
	}
	block, err := e.ParsedBlock()
	if err != nil {
		t.logger.Warn("skipping malformed content block", "index", e.Index, "error", err)
		return nil
	}
	if block == nil {
		t.open[e.Index] = &openBlock{kind: "", index: -1}
		return nil
	}

	ob := &openBlock{kind: block.BlockType(), index: t.Allocate()}
	t.open[e.Index] = ob
	idx := ob.index

	switch b := block.(type) {
	case TextBlock:
		out := []agentstream.Event{agentstream.TextStart(idx)}
		if b.Text != "" {
			out = append(out, agentstream.TextDelta(idx, b.Text))
		}
		return out
	case ThinkingBlock:
		out := []agentstream.Event{agentstream.ThinkingStart(idx)}
		if b.Thinking != "" {
			out = append(out, agentstream.ThinkingDelta(idx, b.Thinking))
		}
		return out
	case RedactedThinkingBlock:
		ob.kind = BlockThinking
		return []agentstream.Event{
			agentstream.ThinkingStart(idx),
			agentstream.ThinkingSignature(idx, b.Data),
		}
	case ToolUseBlock:
		ob.kind = BlockToolUse
		ob.toolID = b.ID
		ob.toolName = b.Name
		if len(b.Input) > 0 && string(b.Input) != "{}" {
			ob.input.Write(b.Input)
		}
		return []agentstream.Event{agentstream.ToolUseStart(idx, b.ID, b.Name)}
	default:
		ob.kind = ""
		return nil
	}
}

func (t *BlockTranslator) delta(e ContentBlockDeltaEvent) []agentstream.Event {
	ob, ok := t.open[e.Index]
	if !ok {
		t.logger.Warn("delta for unknown content block", "index", e.Index)
		return nil
	}
	if ob.kind == "" {
		return nil
	}
	d := e.Delta
	switch d.Type {
	case DeltaText:
		return []agentstream.Event{agentstream.TextDelta(ob.index, d.Text)}
	case DeltaThinking:
		return []agentstream.Event{agentstream.ThinkingDelta(ob.index, d.Thinking)}
	case DeltaSignature:
		return []agentstream.Event{agentstream.ThinkingSignature(ob.index, d.Signature)}
	case DeltaInputJSON:
		ob.input.WriteString(d.PartialJSON)
		return []agentstream.Event{agentstream.ToolUseDelta(ob.index, d.PartialJSON)}
	default:
		t.logger.Warn("skipping unknown content block delta type", "type", d.Type)
		return nil
	}
}

func (t *BlockTranslator) stopBlock(providerIndex int) []agentstream.Event {
	ob, ok := t.open[providerIndex]
	if !ok {
		t.logger.Warn("stop for unknown content block", "index", providerIndex)
		return nil
	}
	delete(t.open, providerIndex)
	return t.stopEvents(ob)
}

func (t *BlockTranslator) stopEvents(ob *openBlock) []agentstream.Event {
	switch ob.kind {
	case BlockText:
		return []agentstream.Event{agentstream.TextStop(ob.index)}
	case BlockThinking:
		return []agentstream.Event{agentstream.ThinkingStop(ob.index)}
	case BlockToolUse:
		input := ob.input.String()
		if input == "" {
			input = "{}"
		} else if !json.Valid([]byte(input)) {
			t.logger.Warn("tool input is not valid JSON", "tool_use_id", ob.toolID)
		}
		t.toolIndex[ob.toolID] = ob.index
		return []agentstream.Event{agentstream.ToolUseStop(ob.index, ob.toolID, ob.toolName, input)}
	default:
		return nil
	}
}

// closeAll closes blocks a previous message left open.
func (t *BlockTranslator) closeAll() []agentstream.Event {
	if len(t.open) == 0 {
		return nil
	}
	var out []agentstream.Event
	for _, idx := range slices.Sorted(maps.Keys(t.open)) {
		t.logger.Warn("message started with block still open", "index", idx)
		out = append(out, t.stopEvents(t.open[idx])...)
	}
	t.open = make(map[int]*openBlock)
	return out
}

func (t *BlockTranslator) usageDelta(u Usage) []agentstream.Event {
	inc := Usage{
		InputTokens:              grow(t.reported.InputTokens, u.InputTokens),
		OutputTokens:             grow(t.reported.OutputTokens, u.OutputTokens),
		CacheReadInputTokens:     grow(t.reported.CacheReadInputTokens, u.CacheReadInputTokens),
		CacheCreationInputTokens: grow(t.reported.CacheCreationInputTokens, u.CacheCreationInputTokens),
	}
	if inc.IsZero() {
		return nil
	}
	t.reported.InputTokens += inc.InputTokens
	t.reported.OutputTokens += inc.OutputTokens
	t.reported.CacheReadInputTokens += inc.CacheReadInputTokens
	t.reported.CacheCreationInputTokens += inc.CacheCreationInputTokens
	return []agentstream.Event{agentstream.UsageEvent(toUsage(inc))}
}

func grow(seen, now int64) int64 {
	if now > seen {
		return now - seen
	}
	return 0
}

func toUsage(u Usage) agentstream.Usage {
	return agentstream.Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
	}
}
