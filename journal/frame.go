package journal

import (
	json "github.com/goccy/go-json"

	"github.com/bazelment/chatstream/agentstream"
)

// Control frame types. They are sent to readers and never stored.
const (
	FrameStreamStatus = "stream_status"
	FrameKeepalive    = "keepalive"
	FrameTimeout      = "timeout"
)

// Values of a stream_status frame.
const (
	StreamCompleted = "completed"
	StreamFailed    = "failed"
	StreamNotFound  = "not_found"
)

// ReasonTimeout marks a failed stream that hit an idle timeout.
const ReasonTimeout = "timeout"

// Frame is one message delivered to a reader: a stored event or a control
// frame.
type Frame struct {
	Metadata       map[string]any `json:"metadata,omitempty"`
	Type           string         `json:"type"`
	EventID        string         `json:"event_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Content        string         `json:"content,omitempty"`
	Status         string         `json:"status,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Index          int64          `json:"index"`
	BlockIndex     int            `json:"block_index"`
	Replay         bool           `json:"replay,omitempty"`
}

// FrameOf renders a stored entry.
func FrameOf(e Entry, replay bool) Frame {
	return Frame{
		Type:           string(e.Event.Type),
		Index:          e.Index,
		EventID:        e.EventID,
		ConversationID: e.ConversationID,
		BlockIndex:     e.Event.BlockIndex,
		Content:        e.Event.Content,
		Metadata:       e.Event.Metadata,
		Replay:         replay,
	}
}

// StatusFrame reports how a finished stream ended.
func StatusFrame(info StreamInfo) Frame {
	switch info.Status {
	case StatusCompleted:
		return Frame{Type: FrameStreamStatus, Status: StreamCompleted}
	case StatusTimeout:
		return Frame{Type: FrameStreamStatus, Status: StreamFailed, Reason: ReasonTimeout}
	default:
		return Frame{Type: FrameStreamStatus, Status: StreamFailed}
	}
}

// IsEvent reports whether the frame carries a stored event.
func (f Frame) IsEvent() bool {
	switch f.Type {
	case FrameStreamStatus, FrameKeepalive, FrameTimeout:
		return false
	}
	return f.Type != ""
}

// Event returns the normalized event of an event frame.
func (f Frame) Event() agentstream.Event {
	return agentstream.Event{
		Type:       agentstream.EventType(f.Type),
		BlockIndex: f.BlockIndex,
		Content:    f.Content,
		Metadata:   f.Metadata,
	}
}

type controlFrame struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type eventFrame Frame

// MarshalJSON omits event fields from control frames.
func (f Frame) MarshalJSON() ([]byte, error) {
	if !f.IsEvent() {
		return json.Marshal(controlFrame{Type: f.Type, Status: f.Status, Reason: f.Reason})
	}
	return json.Marshal(eventFrame(f))
}
