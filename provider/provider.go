// Package provider defines the contract every streaming adapter implements
// and the request types they share.
package provider

import (
	"context"
	"slices"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/bazelment/chatstream/agentstream"
)

// Role is the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolUse is a tool invocation recorded on an assistant message.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult answers a ToolUse on the following user message.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one turn of the conversation transcript.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolUses    []ToolUse    `json:"tool_uses,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Options tune a single turn.
type Options struct {
	Model           string   `json:"model,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	Tools           []Tool   `json:"tools,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	ReasoningEffort string   `json:"reasoning_effort,omitempty"`
	// InterruptionReminder is prepended to the user text when the previous
	// stream of the conversation was aborted.
	InterruptionReminder string `json:"interruption_reminder,omitempty"`
	ThinkingBudget       int    `json:"thinking_budget,omitempty"`
	MaxTokens            int    `json:"max_tokens,omitempty"`
}

// Turn is the input of one streaming request.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Options
}

// LatestUserText returns the content of the last user message, with the
// interruption reminder prepended when set. CLI adapters send only this
// text because the CLI keeps its own history for resumed sessions.
func (t Turn) LatestUserText() string {
	var text string
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleUser {
			text = t.Messages[i].Content
			break
		}
	}
	if r := strings.TrimSpace(t.InterruptionReminder); r != "" {
		return r + "\n\n" + text
	}
	return text
}

// RemindedMessages returns the transcript with the interruption reminder
// prepended to the last user message. HTTP adapters send the whole
// transcript, so the reminder travels inside it.
func (t Turn) RemindedMessages() []Message {
	r := strings.TrimSpace(t.InterruptionReminder)
	if r == "" {
		return t.Messages
	}
	out := slices.Clone(t.Messages)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != RoleUser {
			continue
		}
		if out[i].Content == "" {
			out[i].Content = r
		} else {
			out[i].Content = r + "\n\n" + out[i].Content
		}
		break
	}
	return out
}

// Capabilities describes adapter behavior the orchestrator depends on.
type Capabilities struct {
	// ExecutesTools is true when the provider runs tools itself and reports
	// their results in the stream, as CLI agents do.
	ExecutesTools bool
	// ResumesSessions is true when the provider keeps history keyed by an
	// opaque session id.
	ResumesSessions bool
}

// Provider streams one turn as normalized events.
//
// StreamTurn returns an error only for request problems detected before any
// provider work starts, such as a system prompt over the size limit; these
// are *ConfigError values. Every runtime failure is reported in-band as the
// terminal error event. The channel is closed after the terminal event and
// must be drained by the caller.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	StreamTurn(ctx context.Context, turn Turn) (<-chan agentstream.Event, error)
}

// HasUserText reports whether the last user message has non-blank content.
func (t Turn) HasUserText() bool {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleUser {
			return strings.TrimSpace(t.Messages[i].Content) != ""
		}
	}
	return false
}
