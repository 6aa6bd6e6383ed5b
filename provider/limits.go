package provider

import (
	"fmt"
	"log/slog"
)

// WarnRatio is the fraction of a size limit above which a warning is logged.
const WarnRatio = 0.8

// CheckPromptSize rejects prompts longer than limit bytes and logs a warning
// above WarnRatio of it. A zero limit disables the check.
func CheckPromptSize(logger *slog.Logger, providerName, prompt string, limit int) error {
	if limit <= 0 {
		return nil
	}
	size := len(prompt)
	if size > limit {
		return &ConfigError{
			Provider: providerName,
			Message:  fmt.Sprintf("system prompt is %d bytes, limit %d", size, limit),
			Cause:    ErrPromptTooLarge,
		}
	}
	if float64(size) > float64(limit)*WarnRatio {
		logger.Warn("system prompt close to size limit",
			"provider", providerName, "bytes", size, "limit", limit)
	}
	return nil
}
