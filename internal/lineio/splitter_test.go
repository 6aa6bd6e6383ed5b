package lineio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strs(lines [][]byte) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}

func TestSplitter_PartialLinesAcrossChunks(t *testing.T) {
	s := NewSplitter(0)

	assert.Empty(t, s.Write([]byte(`{"type":"sys`)))
	assert.Equal(t, 12, s.Buffered())

	lines := s.Write([]byte("tem\"}\n{\"type\":\"user\"}\n{\"par"))
	assert.Equal(t, []string{`{"type":"system"}`, `{"type":"user"}`}, strs(lines))

	assert.Equal(t, `{"par`, string(s.Flush()))
	assert.Nil(t, s.Flush())
}

func TestSplitter_SkipsBlankAndTrimsCR(t *testing.T) {
	s := NewSplitter(0)
	lines := s.Write([]byte("a\r\n\n  \nb\n"))
	assert.Equal(t, []string{"a", "b"}, strs(lines))
}

func TestSplitter_LinesAreCopies(t *testing.T) {
	s := NewSplitter(0)
	first := s.Write([]byte("one\ntw"))
	s.Write([]byte("o\n"))
	assert.Equal(t, "one", string(first[0]))
}

func TestSplitter_MaxForcesFlush(t *testing.T) {
	s := NewSplitter(4)
	lines := s.Write([]byte("abcdefgh"))
	assert.Equal(t, []string{"abcdefgh"}, strs(lines))
	assert.Zero(t, s.Buffered())
}
