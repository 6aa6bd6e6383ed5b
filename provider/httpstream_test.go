package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/chatstream/agentstream"
)

func serve(t *testing.T, status int, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func open(t *testing.T, url string) (*http.Response, *agentstream.Event) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, nil)
	require.NoError(t, err)
	return OpenStream(http.DefaultClient, req, "test")
}

func TestOpenStream_SSEBodyIsPreserved(t *testing.T) {
	srv := serve(t, 200, "text/event-stream", "\nevent: ping\ndata: {}\n\n")

	resp, ev := open(t, srv.URL)
	require.Nil(t, ev)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "\nevent: ping\ndata: {}\n\n", string(body))
}

func TestOpenStream_BareJSONError(t *testing.T) {
	srv := serve(t, 200, "application/json", `  {"error":{"type":"overloaded_error","message":"Overloaded"}}`)

	resp, ev := open(t, srv.URL)
	assert.Nil(t, resp)
	require.NotNil(t, ev)
	assert.Equal(t, agentstream.TypeError, ev.Type)
	assert.Equal(t, "Overloaded", ev.Content)
	assert.Equal(t, agentstream.ErrorProvider, agentstream.ErrorKindOf(*ev))
}

func TestOpenStream_BareJSONStringError(t *testing.T) {
	srv := serve(t, 200, "application/json", `{"error":"model not found"}`)

	_, ev := open(t, srv.URL)
	require.NotNil(t, ev)
	assert.Equal(t, "model not found", ev.Content)
}

func TestOpenStream_Non2xx(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind agentstream.ErrorKind
		want     string
	}{
		{"auth", 401, `{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`, agentstream.ErrorAuth, agentstream.AuthErrorPrefix + "test HTTP 401: invalid x-api-key"},
		{"server", 529, `overloaded`, agentstream.ErrorProvider, "test HTTP 529: overloaded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, "application/json", tt.body)
			_, ev := open(t, srv.URL)
			require.NotNil(t, ev)
			assert.Equal(t, tt.wantKind, agentstream.ErrorKindOf(*ev))
			assert.Equal(t, tt.want, ev.Content)
			assert.Equal(t, tt.status, ev.Meta("status_code"))
		})
	}
}

func TestOpenStream_TransportError(t *testing.T) {
	srv := serve(t, 200, "text/event-stream", "")
	url := srv.URL
	srv.Close()

	_, ev := open(t, url)
	require.NotNil(t, ev)
	assert.Equal(t, agentstream.ErrorTransport, agentstream.ErrorKindOf(*ev))
}

func TestStreamFailure_CanceledIsInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ev := StreamFailure(ctx, "test", context.Canceled)
	assert.Equal(t, agentstream.TypeDone, ev.Type)
	assert.Equal(t, agentstream.StopInterrupted, ev.MetaString(agentstream.MetaStopReason))
}
