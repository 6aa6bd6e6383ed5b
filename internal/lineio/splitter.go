// Package lineio splits incrementally read bytes into newline-delimited
// records.
package lineio

import "bytes"

// Splitter accumulates chunks and yields complete lines. A trailing partial
// line is kept until the next chunk or Flush.
type Splitter struct {
	buf []byte
	max int
}

// NewSplitter returns a Splitter. Lines longer than max bytes are returned
// whole once terminated; max only bounds how much unterminated data is kept
// before it is force-flushed. Zero means no bound.
func NewSplitter(max int) *Splitter {
	return &Splitter{max: max}
}

// Write appends chunk and returns the complete lines it finished, without
// their newline and with a trailing '\r' trimmed. Empty lines are skipped.
// The returned slices are copies and stay valid after later writes.
func (s *Splitter) Write(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if line := clean(s.buf[:i]); len(line) > 0 {
			lines = append(lines, line)
		}
		s.buf = s.buf[i+1:]
	}
	if s.max > 0 && len(s.buf) > s.max {
		if line := clean(s.buf); len(line) > 0 {
			lines = append(lines, line)
		}
		s.buf = nil
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return lines
}

// Flush returns the buffered partial line, if any, and resets the buffer.
func (s *Splitter) Flush() []byte {
	line := clean(s.buf)
	s.buf = nil
	if len(line) == 0 {
		return nil
	}
	return line
}

// Buffered reports the number of bytes held for an unterminated line.
func (s *Splitter) Buffered() int { return len(s.buf) }

func clean(b []byte) []byte {
	b = bytes.TrimRight(b, "\r")
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	return bytes.Clone(b)
}
