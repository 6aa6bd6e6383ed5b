package agentstream

// EventType identifies the kind of a normalized event.
type EventType string

const (
	TypeThinkingStart     EventType = "thinking_start"
	TypeThinkingDelta     EventType = "thinking_delta"
	TypeThinkingSignature EventType = "thinking_signature"
	TypeThinkingStop      EventType = "thinking_stop"
	TypeTextStart         EventType = "text_start"
	TypeTextDelta         EventType = "text_delta"
	TypeTextStop          EventType = "text_stop"
	TypeToolUseStart      EventType = "tool_use_start"
	TypeToolUseDelta      EventType = "tool_use_delta"
	TypeToolUseStop       EventType = "tool_use_stop"
	TypeToolResult        EventType = "tool_result"
	TypeUsage             EventType = "usage"
	TypeSystemInfo        EventType = "system_info"
	TypeCompactionSummary EventType = "compaction_summary"
	TypeError             EventType = "error"
	TypeDone              EventType = "done"
)

// Metadata keys shared by adapters and consumers.
const (
	MetaToolUseID      = "tool_use_id"
	MetaToolName       = "tool_name"
	MetaInput          = "input"
	MetaIsError        = "is_error"
	MetaExitCode       = "exit_code"
	MetaStopReason     = "stop_reason"
	MetaErrorKind      = "error_kind"
	MetaTrigger        = "trigger"
	MetaSessionID      = "session_id"
	MetaModel          = "model"
	MetaFinishReason   = "finish_reason"
	MetaSynthesized    = "synthesized"
	MetaPreTokens      = "pre_tokens"
	MetaSubtype        = "subtype"
	MetaTools          = "tools"
	MetaPermissionMode = "permission_mode"
)

// Stop reasons carried by Done events.
const (
	StopEndTurn     = "end_turn"
	StopToolUse     = "tool_use"
	StopMaxTokens   = "max_tokens"
	StopInterrupted = "interrupted"
)

// Event is a single normalized streaming event.
type Event struct {
	Metadata   map[string]any `json:"metadata,omitempty"`
	Type       EventType      `json:"type"`
	Content    string         `json:"content,omitempty"`
	BlockIndex int            `json:"block_index"`
}

// IsTerminal reports whether the event ends a stream.
func (e Event) IsTerminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// Meta returns the metadata value for key, or nil.
func (e Event) Meta(key string) any {
	if e.Metadata == nil {
		return nil
	}
	return e.Metadata[key]
}

// MetaString returns the metadata value for key when it is a string.
func (e Event) MetaString(key string) string {
	s, _ := e.Meta(key).(string)
	return s
}

// stopFor maps a block start type to its stop type.
func stopFor(start EventType) (EventType, bool) {
	switch start {
	case TypeTextStart:
		return TypeTextStop, true
	case TypeThinkingStart:
		return TypeThinkingStop, true
	case TypeToolUseStart:
		return TypeToolUseStop, true
	default:
		return "", false
	}
}

// startFor maps a block delta or stop type to the start type that opens it.
func startFor(t EventType) (EventType, bool) {
	switch t {
	case TypeTextDelta, TypeTextStop:
		return TypeTextStart, true
	case TypeThinkingDelta, TypeThinkingSignature, TypeThinkingStop:
		return TypeThinkingStart, true
	case TypeToolUseDelta, TypeToolUseStop:
		return TypeToolUseStart, true
	default:
		return "", false
	}
}

func TextStart(index int) Event {
	return Event{Type: TypeTextStart, BlockIndex: index}
}

func TextDelta(index int, text string) Event {
	return Event{Type: TypeTextDelta, BlockIndex: index, Content: text}
}

func TextStop(index int) Event {
	return Event{Type: TypeTextStop, BlockIndex: index}
}

func ThinkingStart(index int) Event {
	return Event{Type: TypeThinkingStart, BlockIndex: index}
}

func ThinkingDelta(index int, text string) Event {
	return Event{Type: TypeThinkingDelta, BlockIndex: index, Content: text}
}

// ThinkingSignature carries the opaque signature that authenticates a
// thinking block when it is replayed to the provider.
func ThinkingSignature(index int, signature string) Event {
	return Event{Type: TypeThinkingSignature, BlockIndex: index, Content: signature}
}

func ThinkingStop(index int) Event {
	return Event{Type: TypeThinkingStop, BlockIndex: index}
}

// ToolUseStart opens a tool invocation block.
func ToolUseStart(index int, id, name string) Event {
	return Event{
		Type:       TypeToolUseStart,
		BlockIndex: index,
		Metadata:   map[string]any{MetaToolUseID: id, MetaToolName: name},
	}
}

// ToolUseDelta carries a fragment of the tool input JSON.
func ToolUseDelta(index int, partialJSON string) Event {
	return Event{Type: TypeToolUseDelta, BlockIndex: index, Content: partialJSON}
}

// ToolUseStop closes a tool block. input is the complete accumulated input
// JSON; it is attached as metadata when non-empty.
func ToolUseStop(index int, id, name, input string) Event {
	md := map[string]any{MetaToolUseID: id, MetaToolName: name}
	if input != "" {
		md[MetaInput] = input
	}
	return Event{Type: TypeToolUseStop, BlockIndex: index, Metadata: md}
}

// ToolResult reports the output of a tool that the provider executed itself.
func ToolResult(index int, toolUseID, content string, isError bool) Event {
	return Event{
		Type:       TypeToolResult,
		BlockIndex: index,
		Content:    content,
		Metadata:   map[string]any{MetaToolUseID: toolUseID, MetaIsError: isError},
	}
}

// SystemInfo reports provider session details such as model and tools.
func SystemInfo(content string, md map[string]any) Event {
	return Event{Type: TypeSystemInfo, Content: content, Metadata: md}
}

// CompactionSummary carries the summary the provider produced after
// compacting its context window.
func CompactionSummary(summary, trigger string, preTokens int64) Event {
	md := map[string]any{}
	if trigger != "" {
		md[MetaTrigger] = trigger
	}
	if preTokens > 0 {
		md[MetaPreTokens] = preTokens
	}
	return Event{Type: TypeCompactionSummary, Content: summary, Metadata: md}
}

// Done is the successful terminal event.
func Done(stopReason string) Event {
	if stopReason == "" {
		stopReason = StopEndTurn
	}
	return Event{Type: TypeDone, Metadata: map[string]any{MetaStopReason: stopReason}}
}
