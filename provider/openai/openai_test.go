package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/provider"
)

func sseServer(t *testing.T, chunks []string, captured *[]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured, _ = io.ReadAll(r.Body)
		}
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func userTurn(text string) provider.Turn {
	return provider.Turn{
		ConversationID: "conv-1",
		Messages:       []provider.Message{{Role: provider.RoleUser, Content: text}},
	}
}

func stream(t *testing.T, url string, turn provider.Turn) []agentstream.Event {
	t.Helper()
	events, err := New(WithAPIKey("test-key"), WithBaseURL(url)).StreamTurn(context.Background(), turn)
	require.NoError(t, err)
	return provider.Drain(events)
}

func eventTypes(events []agentstream.Event) []agentstream.EventType {
	out := make([]agentstream.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestStreamTurn_TextWithUsage(t *testing.T) {
	var body []byte
	srv := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":3,"prompt_tokens_details":{"cached_tokens":4}}}`,
		`[DONE]`,
	}, &body)

	turn := userTurn("hi")
	turn.SystemPrompt = "be brief"
	turn.MaxTokens = 256
	got := stream(t, srv.URL, turn)

	assert.Equal(t, []agentstream.EventType{
		agentstream.TypeTextStart, agentstream.TypeTextDelta, agentstream.TypeTextDelta, agentstream.TypeTextStop,
		agentstream.TypeUsage, agentstream.TypeDone,
	}, eventTypes(got))
	assert.Equal(t, "Hel", got[1].Content)

	u, ok := agentstream.UsageOf(got[4])
	require.True(t, ok)
	assert.Equal(t, int64(10), u.InputTokens)
	assert.Equal(t, int64(3), u.OutputTokens)
	assert.Equal(t, int64(4), u.CacheReadInputTokens)
	assert.True(t, u.Cumulative, "the usage chunk reports turn totals")

	assert.Equal(t, agentstream.StopEndTurn, got[5].MetaString(agentstream.MetaStopReason))
	assert.Equal(t, "stop", got[5].MetaString(agentstream.MetaFinishReason))

	assert.True(t, gjson.GetBytes(body, "stream").Bool())
	assert.True(t, gjson.GetBytes(body, "stream_options.include_usage").Bool())
	assert.Equal(t, int64(256), gjson.GetBytes(body, "max_completion_tokens").Int())
	assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
	assert.Equal(t, "hi", gjson.GetBytes(body, "messages.1.content").String())
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"required"`
}

func TestStreamTurn_InterleavedToolCalls(t *testing.T) {
	var body []byte
	srv := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"content":"Looking."}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"search","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"search","arguments":"{\"query\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":\"go\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"\"rust\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}, &body)

	turn := userTurn("search both")
	turn.Tools = []provider.Tool{provider.ToolFor[searchArgs]("search", "Web search")}
	got := stream(t, srv.URL, turn)

	assert.Equal(t, []agentstream.EventType{
		agentstream.TypeTextStart, agentstream.TypeTextDelta, agentstream.TypeTextStop,
		agentstream.TypeToolUseStart,
		agentstream.TypeToolUseStart, agentstream.TypeToolUseDelta,
		agentstream.TypeToolUseDelta, agentstream.TypeToolUseDelta,
		agentstream.TypeToolUseStop, agentstream.TypeToolUseStop,
		agentstream.TypeDone,
	}, eventTypes(got))

	assert.Equal(t, 1, got[3].BlockIndex)
	assert.Equal(t, 2, got[4].BlockIndex)
	assert.Equal(t, "call_a", got[8].MetaString(agentstream.MetaToolUseID))
	assert.Equal(t, `{"query":"go"}`, got[8].MetaString(agentstream.MetaInput))
	assert.Equal(t, "call_b", got[9].MetaString(agentstream.MetaToolUseID))
	assert.Equal(t, `{"query":"rust"}`, got[9].MetaString(agentstream.MetaInput))
	assert.Equal(t, agentstream.StopToolUse, got[10].MetaString(agentstream.MetaStopReason))

	assert.Equal(t, "search", gjson.GetBytes(body, "tools.0.function.name").String())
	assert.Equal(t, "query", gjson.GetBytes(body, "tools.0.function.parameters.required.0").String())
	assert.True(t, gjson.GetBytes(body, "parallel_tool_calls").Bool())
}

func TestStreamTurn_ReasoningThenText(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"reasoning_content":"think"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"answer"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
		`[DONE]`,
	}, nil)

	got := stream(t, srv.URL, userTurn("hi"))

	assert.Equal(t, []agentstream.EventType{
		agentstream.TypeThinkingStart, agentstream.TypeThinkingDelta, agentstream.TypeThinkingStop,
		agentstream.TypeTextStart, agentstream.TypeTextDelta, agentstream.TypeTextStop,
		agentstream.TypeDone,
	}, eventTypes(got))
	assert.Equal(t, agentstream.StopMaxTokens, got[6].MetaString(agentstream.MetaStopReason))
}

func TestStreamTurn_InStreamError(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`,
		`{"error":{"message":"Rate limit reached","type":"requests"}}`,
	}, nil)

	got := stream(t, srv.URL, userTurn("hi"))

	assert.Equal(t, []agentstream.EventType{
		agentstream.TypeTextStart, agentstream.TypeTextDelta, agentstream.TypeTextStop, agentstream.TypeError,
	}, eventTypes(got))
	assert.Equal(t, "Rate limit reached", got[3].Content)
	assert.Equal(t, agentstream.ErrorProvider, agentstream.ErrorKindOf(got[3]))
}

func TestStreamTurn_TruncatedStream(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_x","function":{"name":"search","arguments":"{"}}]}}]}`,
	}, nil)

	got := stream(t, srv.URL, userTurn("hi"))

	require.Len(t, got, 4)
	assert.Equal(t, agentstream.TypeToolUseStop, got[2].Type)
	assert.Equal(t, agentstream.TypeError, got[3].Type)
	assert.Equal(t, agentstream.ErrorTransport, agentstream.ErrorKindOf(got[3]))
}

func TestStreamTurn_BareJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"error":{"message":"Invalid API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	got := stream(t, srv.URL, userTurn("hi"))

	require.Len(t, got, 1)
	assert.True(t, agentstream.IsAuthError(got[0]))
}

func TestBuildRequest_ReasoningEffortFromBudget(t *testing.T) {
	p := New(WithAPIKey("k"))
	turn := userTurn("hi")
	turn.ThinkingBudget = 10000
	body, err := p.buildRequest(turn)
	require.NoError(t, err)
	assert.Equal(t, "medium", gjson.GetBytes(body, "reasoning_effort").String())

	turn.ReasoningEffort = "high"
	body, err = p.buildRequest(turn)
	require.NoError(t, err)
	assert.Equal(t, "high", gjson.GetBytes(body, "reasoning_effort").String())
}

func TestToMessages_ToolRoundTrip(t *testing.T) {
	msgs := []provider.Message{
		{Role: provider.RoleUser, Content: "weather?"},
		{Role: provider.RoleAssistant, ToolUses: []provider.ToolUse{{ID: "call_1", Name: "weather", Input: []byte(`{"city":"Oslo"}`)}}},
		{Role: provider.RoleUser, ToolResults: []provider.ToolResult{{ToolUseID: "call_1", Content: "rain"}}},
	}
	body, err := New(WithAPIKey("k")).buildRequest(provider.Turn{Messages: msgs})
	require.NoError(t, err)

	assert.Equal(t, "call_1", gjson.GetBytes(body, "messages.1.tool_calls.0.id").String())
	assert.Equal(t, `{"city":"Oslo"}`, gjson.GetBytes(body, "messages.1.tool_calls.0.function.arguments").String())
	assert.Equal(t, "tool", gjson.GetBytes(body, "messages.2.role").String())
	assert.Equal(t, "call_1", gjson.GetBytes(body, "messages.2.tool_call_id").String())
	assert.Equal(t, "rain", gjson.GetBytes(body, "messages.2.content").String())
	assert.Equal(t, gjson.String, gjson.GetBytes(body, "messages.0.content").Type)
}

func TestBuildRequest_InterruptionReminder(t *testing.T) {
	turn := provider.Turn{
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "first"},
			{Role: provider.RoleAssistant, Content: "partial"},
			{Role: provider.RoleUser, Content: "continue"},
		},
		Options: provider.Options{InterruptionReminder: "Your previous reply was cut off."},
	}
	body, err := New(WithAPIKey("k")).buildRequest(turn)
	require.NoError(t, err)

	assert.Equal(t, "first", gjson.GetBytes(body, "messages.0.content").String())
	assert.Equal(t, "Your previous reply was cut off.\n\ncontinue", gjson.GetBytes(body, "messages.2.content").String())
}

func TestStreamTurn_ConfigErrors(t *testing.T) {
	_, err := New().StreamTurn(context.Background(), userTurn("hi"))
	assert.ErrorIs(t, err, provider.ErrMissingAPIKey)

	_, err = New(WithAPIKey("k")).StreamTurn(context.Background(), provider.Turn{})
	assert.ErrorIs(t, err, provider.ErrNoUserMessage)
}
