package supervisor

import (
	"log/slog"
	"sync"

	"github.com/bazelment/chatstream/internal/lineio"
)

// stderrTail logs stderr lines at debug and keeps the last max bytes for
// diagnostics. It is written by the exec copy goroutine.
type stderrTail struct {
	logger *slog.Logger
	split  *lineio.Splitter
	buf    []byte
	mu     sync.Mutex
	max    int
}

func newStderrTail(max int, logger *slog.Logger) *stderrTail {
	return &stderrTail{logger: logger, max: max, split: lineio.NewSplitter(max)}
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	for _, line := range t.split.Write(p) {
		t.logger.Debug("stderr", "line", string(line))
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
