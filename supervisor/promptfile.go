package supervisor

import (
	"fmt"
	"os"
)

// DefaultInlinePromptLimit is the largest system prompt passed as a single
// argument. Linux rejects any one argument above MAX_ARG_STRLEN (128 KiB).
const DefaultInlinePromptLimit = 100 * 1024

// WritePromptFile stores content in a new 0600 temp file for CLIs that read
// the system prompt from a path. The returned cleanup removes it.
func WritePromptFile(dir, pattern, content string) (string, func(), error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create prompt file: %w", err)
	}
	path := f.Name()
	cleanup := func() { os.Remove(path) }
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close prompt file: %w", err)
	}
	return path, cleanup, nil
}
