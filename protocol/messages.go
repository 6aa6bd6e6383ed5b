// Package protocol holds the wire types of the block-oriented streaming
// grammar shared by the Anthropic Messages API and the Claude CLI
// stream-json output, plus the translator that turns them into
// agentstream events.
package protocol

import (
	json "github.com/goccy/go-json"
)

// MessageType discriminates the top-level lines of Claude CLI stream-json
// output.
type MessageType string

const (
	MessageTypeSystem      MessageType = "system"
	MessageTypeAssistant   MessageType = "assistant"
	MessageTypeUser        MessageType = "user"
	MessageTypeResult      MessageType = "result"
	MessageTypeStreamEvent MessageType = "stream_event"
)

// System message subtypes with special handling.
const (
	SubtypeInit            = "init"
	SubtypeCompactBoundary = "compact_boundary"
)

// Message is implemented by every parsed stream-json line.
type Message interface {
	MsgType() MessageType
}

// CompactMetadata describes a context compaction.
type CompactMetadata struct {
	Trigger   string `json:"trigger"`
	PreTokens int64  `json:"pre_tokens"`
}

// SystemMessage covers session init, compaction boundaries, hook output and
// status lines.
type SystemMessage struct {
	CompactMetadata *CompactMetadata `json:"compact_metadata,omitempty"`
	Type            MessageType      `json:"type"`
	Subtype         string           `json:"subtype"`
	SessionID       string           `json:"session_id"`
	UUID            string           `json:"uuid"`
	Model           string           `json:"model,omitempty"`
	CWD             string           `json:"cwd,omitempty"`
	PermissionMode  string           `json:"permissionMode,omitempty"`
	APIKeySource    string           `json:"apiKeySource,omitempty"`
	Version         string           `json:"claude_code_version,omitempty"`
	Tools           []string         `json:"tools,omitempty"`
}

// MsgType returns the message type.
func (m SystemMessage) MsgType() MessageType { return MessageTypeSystem }

// Usage is the token usage object of the Messages API.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

// IsZero reports whether the usage carries no counters.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheCreationInputTokens == 0 && u.CacheReadInputTokens == 0
}

// FlexibleContent is message content that is either a string or an array
// of content blocks.
type FlexibleContent struct {
	raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = append(fc.raw[:0], data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (fc FlexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

// AsString returns the content when it is a JSON string.
func (fc FlexibleContent) AsString() (string, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(fc.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsBlocks returns the content when it is an array of blocks.
func (fc FlexibleContent) AsBlocks() (ContentBlocks, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '[' {
		return nil, false
	}
	var blocks ContentBlocks
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// Text joins the text of the content, whether string or blocks.
func (fc FlexibleContent) Text() string {
	if s, ok := fc.AsString(); ok {
		return s
	}
	blocks, _ := fc.AsBlocks()
	return blocks.Text()
}

// MessageContent is the inner message of assistant and user lines, and of
// message_start stream events.
type MessageContent struct {
	StopReason *string         `json:"stop_reason"`
	Model      string          `json:"model,omitempty"`
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"`
	Content    FlexibleContent `json:"content"`
	Usage      Usage           `json:"usage,omitempty"`
}

// AssistantMessage is a complete assistant message. The CLI emits one per
// API message, after the matching stream events.
type AssistantMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	Message         MessageContent `json:"message"`
}

// MsgType returns the message type.
func (m AssistantMessage) MsgType() MessageType { return MessageTypeAssistant }

// UserMessage carries tool results, and the compaction summary after a
// compact boundary.
type UserMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	Message         MessageContent `json:"message"`
	IsSynthetic     bool           `json:"isSynthetic,omitempty"`
}

// MsgType returns the message type.
func (m UserMessage) MsgType() MessageType { return MessageTypeUser }

// ResultMessage ends a CLI turn with totals for the whole turn.
type ResultMessage struct {
	Type         MessageType `json:"type"`
	Subtype      string      `json:"subtype"`
	SessionID    string      `json:"session_id"`
	Result       string      `json:"result"`
	StopReason   string      `json:"stop_reason,omitempty"`
	Usage        Usage       `json:"usage"`
	TotalCostUSD float64     `json:"total_cost_usd"`
	NumTurns     int         `json:"num_turns"`
	DurationMs   int64       `json:"duration_ms"`
	IsError      bool        `json:"is_error"`
}

// MsgType returns the message type.
func (m ResultMessage) MsgType() MessageType { return MessageTypeResult }
