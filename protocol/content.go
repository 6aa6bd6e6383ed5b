package protocol

import (
	"fmt"
	"log/slog"
	"strings"

	json "github.com/goccy/go-json"
)

// Content block types.
const (
	BlockText             = "text"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
	BlockToolUse          = "tool_use"
	BlockServerToolUse    = "server_tool_use"
	BlockToolResult       = "tool_result"
)

// ContentBlock is one element of a message's content array.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain assistant text.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// BlockType returns the block type.
func (b TextBlock) BlockType() string { return BlockText }

// ThinkingBlock is extended thinking output with its signature.
type ThinkingBlock struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

// BlockType returns the block type.
func (b ThinkingBlock) BlockType() string { return BlockThinking }

// RedactedThinkingBlock is thinking the provider returned encrypted.
type RedactedThinkingBlock struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// BlockType returns the block type.
func (b RedactedThinkingBlock) BlockType() string { return BlockRedactedThinking }

// ToolUseBlock is a tool invocation requested by the model.
type ToolUseBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// BlockType returns the block type.
func (b ToolUseBlock) BlockType() string { return BlockToolUse }

// ToolResultBlock is the output of a tool, sent back on a user message.
type ToolResultBlock struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id"`
	Content   FlexibleContent `json:"content"`
	IsError   bool            `json:"is_error,omitempty"`
}

// BlockType returns the block type.
func (b ToolResultBlock) BlockType() string { return BlockToolResult }

// UnmarshalContentBlock decodes a single block by its type. Unknown block
// types return (nil, nil) so new provider blocks do not break parsing.
func UnmarshalContentBlock(data []byte) (ContentBlock, error) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("content block: %w", err)
	}
	var (
		block ContentBlock
		err   error
	)
	switch base.Type {
	case BlockText:
		var b TextBlock
		err = json.Unmarshal(data, &b)
		block = b
	case BlockThinking:
		var b ThinkingBlock
		err = json.Unmarshal(data, &b)
		block = b
	case BlockRedactedThinking:
		var b RedactedThinkingBlock
		err = json.Unmarshal(data, &b)
		block = b
	case BlockToolUse, BlockServerToolUse:
		var b ToolUseBlock
		err = json.Unmarshal(data, &b)
		block = b
	case BlockToolResult:
		var b ToolResultBlock
		err = json.Unmarshal(data, &b)
		block = b
	default:
		slog.Warn("skipping unknown content block type", "type", base.Type)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s block: %w", base.Type, err)
	}
	return block, nil
}

// ContentBlocks decodes a heterogeneous content array.
type ContentBlocks []ContentBlock

// UnmarshalJSON implements json.Unmarshaler. Unknown blocks are dropped.
func (cb *ContentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ContentBlocks, 0, len(raws))
	for _, raw := range raws {
		block, err := UnmarshalContentBlock(raw)
		if err != nil {
			return err
		}
		if block != nil {
			out = append(out, block)
		}
	}
	*cb = out
	return nil
}

// Text joins the text blocks.
func (cb ContentBlocks) Text() string {
	var sb strings.Builder
	for _, b := range cb {
		if t, ok := b.(TextBlock); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}
