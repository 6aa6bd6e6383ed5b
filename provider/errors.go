package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for request validation.
var (
	ErrPromptTooLarge = errors.New("system prompt exceeds size limit")
	ErrNoUserMessage  = errors.New("turn has no user message")
	ErrMissingAPIKey  = errors.New("missing API key")
)

// ConfigError rejects a turn before any provider work starts. It is
// distinct from stream errors so callers can fail the request instead of
// opening a stream.
type ConfigError struct {
	Cause    error
	Provider string
	Message  string
}

func (e *ConfigError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Provider, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Cause)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// HTTPError is a non-2xx response from a provider API.
type HTTPError struct {
	Provider   string
	Message    string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsAuth reports whether the status code denotes a credentials problem.
func (e *HTTPError) IsAuth() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
