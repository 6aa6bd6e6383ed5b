package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage_Types(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		want MessageType
	}{
		{`{"type":"system","subtype":"init","session_id":"s1","model":"claude-sonnet-4-5","tools":["Bash"]}`, MessageTypeSystem},
		{`{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`, MessageTypeAssistant},
		{`{"type":"user","session_id":"s1","message":{"role":"user","content":"summary"}}`, MessageTypeUser},
		{`{"type":"result","subtype":"success","session_id":"s1","total_cost_usd":0.01,"usage":{"input_tokens":3,"output_tokens":4}}`, MessageTypeResult},
		{`{"type":"stream_event","session_id":"s1","event":{"type":"message_stop"}}`, MessageTypeStreamEvent},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			t.Parallel()
			msg, err := ParseMessage([]byte(tt.line))
			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.Equal(t, tt.want, msg.MsgType())
		})
	}
}

func TestParseMessage_CompactBoundary(t *testing.T) {
	t.Parallel()
	msg, err := ParseMessage([]byte(`{"type":"system","subtype":"compact_boundary","session_id":"s","compact_metadata":{"trigger":"auto","pre_tokens":155000}}`))
	require.NoError(t, err)
	sys, ok := msg.(SystemMessage)
	require.True(t, ok)
	assert.Equal(t, SubtypeCompactBoundary, sys.Subtype)
	require.NotNil(t, sys.CompactMetadata)
	assert.Equal(t, "auto", sys.CompactMetadata.Trigger)
	assert.Equal(t, int64(155000), sys.CompactMetadata.PreTokens)
}

func TestParseMessage_UnknownType(t *testing.T) {
	t.Parallel()
	msg, err := ParseMessage([]byte(`{"type":"rate_limit_event"}`))
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestParseMessage_Malformed(t *testing.T) {
	t.Parallel()
	_, err := ParseMessage([]byte(`{"type":`))
	require.Error(t, err)
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, `{"type":`, pe.Line)
}

func TestFlexibleContent(t *testing.T) {
	t.Parallel()
	var s, b UserMessage
	require.NoError(t, unmarshalLine(`{"type":"user","message":{"role":"user","content":"plain"}}`, &s))
	require.NoError(t, unmarshalLine(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"},{"type":"text","text":"note"}]}}`, &b))

	text, ok := s.Message.Content.AsString()
	assert.True(t, ok)
	assert.Equal(t, "plain", text)
	assert.Equal(t, "plain", s.Message.Content.Text())

	blocks, ok := b.Message.Content.AsBlocks()
	require.True(t, ok)
	require.Len(t, blocks, 2)
	tr, ok := blocks[0].(ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "t1", tr.ToolUseID)
	assert.Equal(t, "ok", tr.Content.Text())
	assert.Equal(t, "note", b.Message.Content.Text())
}

func TestParseStreamEvent_UnknownDelta(t *testing.T) {
	t.Parallel()
	ev, err := ParseStreamEvent([]byte(`{"type":"content_block_delta","index":2,"delta":{"type":"citations_delta"}}`))
	require.NoError(t, err)
	d, ok := ev.(ContentBlockDeltaEvent)
	require.True(t, ok)
	assert.Equal(t, 2, d.Index)
	assert.False(t, d.Delta.Known())

	ev, err = ParseStreamEvent([]byte(`{"type":"content_block_citation"}`))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func unmarshalLine(line string, v *UserMessage) error {
	msg, err := ParseMessage([]byte(line))
	if err != nil {
		return err
	}
	*v = msg.(UserMessage)
	return nil
}
