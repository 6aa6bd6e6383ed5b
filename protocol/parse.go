package protocol

import (
	"log/slog"

	json "github.com/goccy/go-json"
)

// maxErrorLine bounds the copy of an undecodable line kept on a
// ProtocolError.
const maxErrorLine = 512

// ParseMessage decodes one stream-json line. Lines with an unknown type
// return (nil, nil); undecodable lines return a *ProtocolError.
func ParseMessage(line []byte) (Message, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, newLineError("invalid JSON line", line, err)
	}

	var (
		msg Message
		err error
	)
	switch base.Type {
	case MessageTypeSystem:
		var m SystemMessage
		err = json.Unmarshal(line, &m)
		msg = m
	case MessageTypeAssistant:
		var m AssistantMessage
		err = json.Unmarshal(line, &m)
		msg = m
	case MessageTypeUser:
		var m UserMessage
		err = json.Unmarshal(line, &m)
		msg = m
	case MessageTypeResult:
		var m ResultMessage
		err = json.Unmarshal(line, &m)
		msg = m
	case MessageTypeStreamEvent:
		var m StreamEvent
		err = json.Unmarshal(line, &m)
		msg = m
	default:
		slog.Warn("skipping unknown message type", "type", base.Type)
		return nil, nil
	}
	if err != nil {
		return nil, newLineError("decode "+string(base.Type), line, err)
	}
	return msg, nil
}

func newLineError(msg string, line []byte, cause error) *ProtocolError {
	s := string(line)
	if len(s) > maxErrorLine {
		s = s[:maxErrorLine]
	}
	return &ProtocolError{Message: msg, Line: s, Cause: cause}
}
