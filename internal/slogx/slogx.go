// Package slogx holds slog attribute helpers shared across packages.
package slogx

import (
	"log/slog"
	"time"
)

// Error returns an "error" attribute with the error's message.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// Conversation returns the attribute used to tag log lines with a
// conversation id.
func Conversation(id string) slog.Attr {
	return slog.String("conversation_id", id)
}

// Provider returns the attribute naming a provider adapter.
func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// Duration returns a duration attribute rendered in milliseconds.
func Duration(key string, d time.Duration) slog.Attr {
	return slog.Int64(key+"_ms", d.Milliseconds())
}

// Truncated returns a string attribute cut to max bytes, for logging
// provider payloads.
func Truncated(key, value string, max int) slog.Attr {
	if len(value) > max {
		value = value[:max] + "..."
	}
	return slog.String(key, value)
}
