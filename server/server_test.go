package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/journal"
	"github.com/bazelment/chatstream/provider"
	"github.com/bazelment/chatstream/relay"
)

type scriptedProvider struct {
	name      string
	script    []agentstream.Event
	configErr error
	block     bool
}

func (p *scriptedProvider) Name() string                        { return p.name }
func (p *scriptedProvider) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (p *scriptedProvider) StreamTurn(ctx context.Context, _ provider.Turn) (<-chan agentstream.Event, error) {
	if p.configErr != nil {
		return nil, p.configErr
	}
	return provider.Run(nil, func(g *agentstream.Guard) {
		for _, ev := range p.script {
			g.Emit(ev)
		}
		if p.block {
			<-ctx.Done()
			g.Close(agentstream.Done(agentstream.StopInterrupted))
		}
	}), nil
}

var helloScript = []agentstream.Event{
	agentstream.TextStart(0),
	agentstream.TextDelta(0, "Hello"),
	agentstream.TextStop(0),
	agentstream.Done(agentstream.StopEndTurn),
}

type fixture struct {
	srv    *httptest.Server
	runner *relay.Runner
}

func newFixture(t *testing.T, opts []Option, providers ...provider.Provider) *fixture {
	t.Helper()
	j := journal.New(journal.NewMemoryStore(), journal.WithConfig(journal.Config{
		PollInterval:      20 * time.Millisecond,
		KeepaliveInterval: time.Minute,
	}))
	runner := relay.NewRunner(j)
	for _, p := range providers {
		runner.Register(p)
	}
	s := New(runner, j, append([]Option{WithDefaultProvider("fake")}, opts...)...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
		srv.Close()
	})
	return &fixture{srv: srv, runner: runner}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) waitIdle(t *testing.T, conv string) {
	t.Helper()
	require.Eventually(t, func() bool { return !f.runner.Active(conv) }, 5*time.Second, 10*time.Millisecond)
}

const userBody = `{"messages":[{"role":"user","content":"hi"}]}`

// readSSE collects frames until the server ends the response.
func readSSE(t *testing.T, url string, header http.Header) ([]string, []journal.Frame) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids []string
	var frames []journal.Frame
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "data: "):
			var f journal.Frame
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
			frames = append(frames, f)
		}
	}
	return ids, frames
}

func frameTypes(frames []journal.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, &scriptedProvider{name: "fake"})
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string   `json:"status"`
		Providers []string `json:"providers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, []string{"fake"}, body.Providers)
}

func TestTurnThenSSE(t *testing.T) {
	f := newFixture(t, nil, &scriptedProvider{name: "fake", script: helloScript})

	resp := f.post(t, "/conversations/c1/turns", userBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started TurnResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, "c1", started.ConversationID)
	assert.Equal(t, "fake", started.Provider)

	ids, frames := readSSE(t, f.srv.URL+"/conversations/c1/stream", nil)
	assert.Equal(t, []string{"0", "1", "2", "3"}, ids)
	assert.Equal(t, []string{"text_start", "text_delta", "text_stop", "done", "stream_status"}, frameTypes(frames))
	assert.Equal(t, journal.StreamCompleted, frames[len(frames)-1].Status)
	assert.Equal(t, "c1", frames[0].ConversationID)
	assert.NotEmpty(t, frames[0].EventID)

	// Resuming from an index skips what was delivered.
	ids, frames = readSSE(t, f.srv.URL+"/conversations/c1/stream?from_index=2", nil)
	assert.Equal(t, []string{"2", "3"}, ids)
	assert.Len(t, frames, 3)

	// So does an EventSource reconnect.
	ids, _ = readSSE(t, f.srv.URL+"/conversations/c1/stream", http.Header{"Last-Event-Id": {"2"}})
	assert.Equal(t, []string{"3"}, ids)

	// Full replay marks the catch-up frames.
	_, frames = readSSE(t, f.srv.URL+"/conversations/c1/stream?from_index=3&replay=true", nil)
	require.Len(t, frames, 5)
	assert.True(t, frames[0].Replay)
}

func TestSSE_UnknownConversation(t *testing.T) {
	f := newFixture(t, nil, &scriptedProvider{name: "fake"})
	ids, frames := readSSE(t, f.srv.URL+"/conversations/nope/stream", nil)
	assert.Empty(t, ids)
	require.Len(t, frames, 1)
	assert.Equal(t, journal.FrameStreamStatus, frames[0].Type)
	assert.Equal(t, journal.StreamNotFound, frames[0].Status)
}

func TestSSE_BadParams(t *testing.T) {
	f := newFixture(t, nil, &scriptedProvider{name: "fake"})
	for _, q := range []string{"from_index=-1", "from_index=x", "replay=maybe"} {
		resp, err := http.Get(f.srv.URL + "/conversations/c1/stream?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestStartTurn_Errors(t *testing.T) {
	cfgErr := &provider.ConfigError{Provider: "big", Message: "system prompt exceeds 400000 bytes", Cause: provider.ErrPromptTooLarge}
	f := newFixture(t, nil,
		&scriptedProvider{name: "fake", block: true},
		&scriptedProvider{name: "big", configErr: cfgErr},
	)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad json", "/conversations/c2/turns", "{", http.StatusBadRequest},
		{"no messages", "/conversations/c2/turns", `{"messages":[]}`, http.StatusBadRequest},
		{"unknown provider", "/conversations/c2/turns", `{"provider":"nope","messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest},
		{"config error", "/conversations/c2/turns", `{"provider":"big","messages":[{"role":"user","content":"hi"}]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	// Nothing was journaled for the rejected turns.
	resp, err := http.Get(f.srv.URL + "/conversations/c2/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConflictAbortAndStatus(t *testing.T) {
	f := newFixture(t, nil, &scriptedProvider{name: "fake", block: true, script: helloScript[:2]})

	require.Equal(t, http.StatusAccepted, f.post(t, "/conversations/c1/turns", userBody).StatusCode)
	assert.Equal(t, http.StatusConflict, f.post(t, "/conversations/c1/turns", userBody).StatusCode)

	resp, err := http.Get(f.srv.URL + "/conversations/c1/status")
	require.NoError(t, err)
	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.True(t, status.Active)
	require.NotNil(t, status.Session)
	assert.Equal(t, relay.SessionRunning, status.Session.Status)

	assert.Equal(t, http.StatusAccepted, f.post(t, "/conversations/c1/abort", "").StatusCode)
	f.waitIdle(t, "c1")
	assert.Equal(t, http.StatusNotFound, f.post(t, "/conversations/c1/abort", "").StatusCode)

	_, frames := readSSE(t, f.srv.URL+"/conversations/c1/stream", nil)
	last := frames[len(frames)-2]
	assert.Equal(t, "done", last.Type)
	assert.Equal(t, agentstream.StopInterrupted, last.Metadata[agentstream.MetaStopReason])
	assert.Equal(t, journal.StreamCompleted, frames[len(frames)-1].Status)
}

func TestWebSocket(t *testing.T) {
	f := newFixture(t, nil, &scriptedProvider{name: "fake", script: helloScript})
	require.Equal(t, http.StatusAccepted, f.post(t, "/conversations/c1/turns", userBody).StatusCode)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/conversations/c1/ws?from_index=1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	var frames []journal.Frame
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		var fr journal.Frame
		require.NoError(t, json.Unmarshal(data, &fr))
		frames = append(frames, fr)
	}
	assert.Equal(t, []string{"text_delta", "text_stop", "done", "stream_status"}, frameTypes(frames))
	assert.Equal(t, int64(1), frames[0].Index)
}

func TestTokenAuth(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, token, 64)

	f := newFixture(t, []Option{WithToken(token)}, &scriptedProvider{name: "fake", script: helloScript})

	assert.Equal(t, http.StatusUnauthorized, f.post(t, "/conversations/c1/turns", userBody).StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/conversations/c1/turns", strings.NewReader(userBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, f.srv.URL+"/conversations/c1/turns", strings.NewReader(userBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Query tokens serve EventSource clients; health stays open.
	_, frames := readSSE(t, f.srv.URL+"/conversations/c1/stream?token="+token, nil)
	assert.NotEmpty(t, frames)
	resp, err = http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
