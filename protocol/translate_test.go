package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/chatstream/agentstream"
)

func translateAll(t *testing.T, tr *BlockTranslator, raws ...string) []agentstream.Event {
	t.Helper()
	var out []agentstream.Event
	for _, raw := range raws {
		ev, err := ParseStreamEvent([]byte(raw))
		require.NoError(t, err, raw)
		out = append(out, tr.Translate(ev)...)
	}
	return out
}

func eventTypes(events []agentstream.Event) []agentstream.EventType {
	out := make([]agentstream.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestBlockTranslator_ThinkingTextTool(t *testing.T) {
	t.Parallel()
	tr := NewBlockTranslator(nil)

	got := translateAll(t, tr,
		`{"type":"message_start","message":{"role":"assistant","content":[],"usage":{"input_tokens":12,"output_tokens":1,"cache_read_input_tokens":4}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me see"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig=="}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hi"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"search","input":{}}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":30}}`,
		`{"type":"message_stop"}`,
	)

	assert.Equal(t, []agentstream.EventType{
		agentstream.TypeUsage,
		agentstream.TypeThinkingStart, agentstream.TypeThinkingDelta, agentstream.TypeThinkingSignature, agentstream.TypeThinkingStop,
		agentstream.TypeTextStart, agentstream.TypeTextDelta, agentstream.TypeTextStop,
		agentstream.TypeToolUseStart, agentstream.TypeToolUseDelta, agentstream.TypeToolUseDelta, agentstream.TypeToolUseStop,
		agentstream.TypeUsage,
	}, eventTypes(got))

	first, _ := agentstream.UsageOf(got[0])
	assert.Equal(t, int64(12), first.InputTokens)
	assert.Equal(t, int64(0), first.OutputTokens, "message_start output is reported by message_delta")
	assert.Equal(t, int64(4), first.CacheReadInputTokens)

	last, _ := agentstream.UsageOf(got[12])
	assert.Equal(t, int64(30), last.OutputTokens)
	assert.Equal(t, int64(0), last.InputTokens)

	stop := got[11]
	assert.Equal(t, 2, stop.BlockIndex)
	assert.Equal(t, `{"q":"go"}`, stop.MetaString(agentstream.MetaInput))
	assert.Equal(t, "tool_use", tr.StopReason())

	idx, ok := tr.ToolBlockIndex("toolu_1")
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestBlockTranslator_IndexesStayMonotonicAcrossMessages(t *testing.T) {
	t.Parallel()
	tr := NewBlockTranslator(nil)

	got := translateAll(t, tr,
		`{"type":"message_start","message":{"role":"assistant","content":[]}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_start","message":{"role":"assistant","content":[]}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_stop","index":0}`,
	)

	require.Len(t, got, 4)
	assert.Equal(t, 0, got[0].BlockIndex)
	assert.Equal(t, 1, got[2].BlockIndex)
}

func TestBlockTranslator_UsageIncrementsWithinMessage(t *testing.T) {
	t.Parallel()
	tr := NewBlockTranslator(nil)

	got := translateAll(t, tr,
		`{"type":"message_start","message":{"role":"assistant","content":[],"usage":{"input_tokens":10,"output_tokens":1}}}`,
		`{"type":"message_delta","delta":{},"usage":{"output_tokens":5}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":10,"output_tokens":9}}`,
	)

	var total agentstream.Usage
	for _, ev := range got {
		u, ok := agentstream.UsageOf(ev)
		require.True(t, ok)
		total = total.Add(u)
	}
	assert.Equal(t, int64(10), total.InputTokens)
	assert.Equal(t, int64(9), total.OutputTokens)
}

func TestBlockTranslator_UnknownBlockIgnored(t *testing.T) {
	t.Parallel()
	tr := NewBlockTranslator(nil)

	got := translateAll(t, tr,
		`{"type":"content_block_start","index":0,"content_block":{"type":"future_block"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`,
		`{"type":"content_block_stop","index":0}`,
	)
	assert.Empty(t, got)
}

func TestBlockTranslator_ErrorEvent(t *testing.T) {
	t.Parallel()
	tr := NewBlockTranslator(nil)

	got := translateAll(t, tr,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	)
	require.Len(t, got, 1)
	assert.Equal(t, agentstream.TypeError, got[0].Type)
	assert.Equal(t, "Overloaded", got[0].Content)
	assert.Equal(t, "overloaded_error", got[0].Meta("provider_error_type"))

	auth := APIErrorEvent(APIError{Type: "authentication_error", Message: "invalid x-api-key"})
	assert.True(t, agentstream.IsAuthError(auth))
}

func TestBlockTranslator_TranslateBlocks(t *testing.T) {
	t.Parallel()
	tr := NewBlockTranslator(nil)
	var blocks ContentBlocks
	require.NoError(t, blocks.UnmarshalJSON([]byte(`[
		{"type":"thinking","thinking":"hmm","signature":"s"},
		{"type":"text","text":"answer"},
		{"type":"tool_use","id":"toolu_9","name":"Read","input":{"path":"a.go"}}
	]`)))

	got := tr.TranslateBlocks(blocks)

	assert.Equal(t, []agentstream.EventType{
		agentstream.TypeThinkingStart, agentstream.TypeThinkingDelta, agentstream.TypeThinkingSignature, agentstream.TypeThinkingStop,
		agentstream.TypeTextStart, agentstream.TypeTextDelta, agentstream.TypeTextStop,
		agentstream.TypeToolUseStart, agentstream.TypeToolUseDelta, agentstream.TypeToolUseStop,
	}, eventTypes(got))
	assert.Equal(t, 2, got[9].BlockIndex)
	assert.Equal(t, `{"path":"a.go"}`, got[9].MetaString(agentstream.MetaInput))
}
