package protocol

import (
	"fmt"
	"log/slog"

	json "github.com/goccy/go-json"
)

// StreamEvent is a Claude CLI line wrapping one Messages API stream event.
type StreamEvent struct {
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Type            MessageType     `json:"type"`
	SessionID       string          `json:"session_id"`
	Event           json.RawMessage `json:"event"`
}

// MsgType returns the message type.
func (m StreamEvent) MsgType() MessageType { return MessageTypeStreamEvent }

// StreamEventType discriminates stream events. The same values appear as
// the SSE "event:" field of the Messages API.
type StreamEventType string

const (
	StreamEventTypeMessageStart      StreamEventType = "message_start"
	StreamEventTypeContentBlockStart StreamEventType = "content_block_start"
	StreamEventTypeContentBlockDelta StreamEventType = "content_block_delta"
	StreamEventTypeContentBlockStop  StreamEventType = "content_block_stop"
	StreamEventTypeMessageDelta      StreamEventType = "message_delta"
	StreamEventTypeMessageStop       StreamEventType = "message_stop"
	StreamEventTypePing              StreamEventType = "ping"
	StreamEventTypeError             StreamEventType = "error"
)

// StreamEventData is implemented by every parsed stream event.
type StreamEventData interface {
	EventType() StreamEventType
}

// MessageStartEvent starts a new API message.
type MessageStartEvent struct {
	Type    StreamEventType `json:"type"`
	Message MessageContent  `json:"message"`
}

// EventType returns the stream event type.
func (e MessageStartEvent) EventType() StreamEventType { return StreamEventTypeMessageStart }

// ContentBlockStartEvent opens a content block at a provider index.
type ContentBlockStartEvent struct {
	Type         StreamEventType `json:"type"`
	ContentBlock json.RawMessage `json:"content_block"`
	Index        int             `json:"index"`
}

// EventType returns the stream event type.
func (e ContentBlockStartEvent) EventType() StreamEventType { return StreamEventTypeContentBlockStart }

// ParsedBlock decodes the opened block.
func (e ContentBlockStartEvent) ParsedBlock() (ContentBlock, error) {
	return UnmarshalContentBlock(e.ContentBlock)
}

// ContentBlockDeltaEvent carries incremental block content.
type ContentBlockDeltaEvent struct {
	Type  StreamEventType `json:"type"`
	Delta BlockDelta      `json:"delta"`
	Index int             `json:"index"`
}

// EventType returns the stream event type.
func (e ContentBlockDeltaEvent) EventType() StreamEventType { return StreamEventTypeContentBlockDelta }

// ContentBlockStopEvent closes the block at a provider index.
type ContentBlockStopEvent struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index"`
}

// EventType returns the stream event type.
func (e ContentBlockStopEvent) EventType() StreamEventType { return StreamEventTypeContentBlockStop }

// MessageDelta holds message-level updates.
type MessageDelta struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageDeltaEvent updates the stop reason and cumulative output usage.
type MessageDeltaEvent struct {
	Type  StreamEventType `json:"type"`
	Delta MessageDelta    `json:"delta"`
	Usage Usage           `json:"usage"`
}

// EventType returns the stream event type.
func (e MessageDeltaEvent) EventType() StreamEventType { return StreamEventTypeMessageDelta }

// MessageStopEvent ends an API message.
type MessageStopEvent struct {
	Type StreamEventType `json:"type"`
}

// EventType returns the stream event type.
func (e MessageStopEvent) EventType() StreamEventType { return StreamEventTypeMessageStop }

// PingEvent is a keepalive.
type PingEvent struct {
	Type StreamEventType `json:"type"`
}

// EventType returns the stream event type.
func (e PingEvent) EventType() StreamEventType { return StreamEventTypePing }

// APIError is the error object of the Messages API.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorEvent is an in-stream provider error.
type ErrorEvent struct {
	Type  StreamEventType `json:"type"`
	Error APIError        `json:"error"`
}

// EventType returns the stream event type.
func (e ErrorEvent) EventType() StreamEventType { return StreamEventTypeError }

// Delta types carried by content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
	DeltaInputJSON = "input_json_delta"
)

// BlockDelta is the payload of a content_block_delta. Only the field that
// matches Type is populated.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// Known reports whether the delta type is one this package translates.
// Newer delta types (citations and the like) are skipped.
func (d BlockDelta) Known() bool {
	switch d.Type {
	case DeltaText, DeltaThinking, DeltaSignature, DeltaInputJSON:
		return true
	}
	return false
}

func decodeEvent[T StreamEventData](data []byte) (StreamEventData, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var streamDecoders = map[StreamEventType]func([]byte) (StreamEventData, error){
	StreamEventTypeMessageStart:      decodeEvent[MessageStartEvent],
	StreamEventTypeContentBlockStart: decodeEvent[ContentBlockStartEvent],
	StreamEventTypeContentBlockDelta: decodeEvent[ContentBlockDeltaEvent],
	StreamEventTypeContentBlockStop:  decodeEvent[ContentBlockStopEvent],
	StreamEventTypeMessageDelta:      decodeEvent[MessageDeltaEvent],
	StreamEventTypeMessageStop:       decodeEvent[MessageStopEvent],
	StreamEventTypePing:              decodeEvent[PingEvent],
	StreamEventTypeError:             decodeEvent[ErrorEvent],
}

// ParseStreamEvent decodes a stream event by its type. Unknown event types
// return (nil, nil).
func ParseStreamEvent(data json.RawMessage) (StreamEventData, error) {
	var head struct {
		Type StreamEventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("stream event: %w", err)
	}
	decode, ok := streamDecoders[head.Type]
	if !ok {
		slog.Warn("skipping unknown stream event type", "type", head.Type)
		return nil, nil
	}
	ev, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", head.Type, err)
	}
	return ev, nil
}
