package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bazelment/chatstream/agentstream"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

type peekedBody struct {
	io.Reader
	io.Closer
}

// OpenStream sends req and prepares the response for SSE decoding. When
// the request cannot produce a stream (transport failure, non-2xx status,
// or a bare JSON error body) it returns the terminal event to emit instead
// and the response body is already closed.
func OpenStream(client *http.Client, req *http.Request, providerName string) (*http.Response, *agentstream.Event) {
	resp, err := client.Do(req)
	if err != nil {
		ev := transportFailure(req.Context(), providerName, err)
		return nil, &ev
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		herr := &HTTPError{Provider: providerName, StatusCode: resp.StatusCode, Message: errorMessage(body)}
		kind := agentstream.ErrorProvider
		if herr.IsAuth() {
			kind = agentstream.ErrorAuth
		}
		ev := agentstream.ErrorEvent(kind, herr.Error())
		ev.Metadata["status_code"] = resp.StatusCode
		return nil, &ev
	}

	br := bufio.NewReader(resp.Body)
	if bareJSON(br) {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(br, maxErrorBody))
		ev := bodyError(body)
		return nil, &ev
	}
	resp.Body = peekedBody{Reader: br, Closer: resp.Body}
	return resp, nil
}

// StreamFailure maps an error from an SSE decoder to the terminal event.
func StreamFailure(ctx context.Context, providerName string, err error) agentstream.Event {
	return transportFailure(ctx, providerName, err)
}

func transportFailure(ctx context.Context, providerName string, err error) agentstream.Event {
	if errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return agentstream.Done(agentstream.StopInterrupted)
	}
	return agentstream.ErrorEvent(agentstream.ErrorTransport, fmt.Sprintf("%s stream: %v", providerName, err))
}

// bareJSON reports whether the body starts with a JSON object rather than
// SSE framing.
func bareJSON(br *bufio.Reader) bool {
	for n := 1; n <= 256; n++ {
		b, _ := br.Peek(n)
		if len(b) < n {
			return false
		}
		switch c := b[n-1]; c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// bodyError turns a JSON error body into a terminal event.
func bodyError(body []byte) agentstream.Event {
	msg := errorMessage(body)
	errType := gjson.GetBytes(body, "error.type").String()
	if errType == "authentication_error" || errType == "permission_error" || agentstream.LooksLikeAuthFailure(msg) {
		return agentstream.ErrorEvent(agentstream.ErrorAuth, msg)
	}
	ev := agentstream.ErrorEvent(agentstream.ErrorProvider, msg)
	if errType != "" {
		ev.Metadata["provider_error_type"] = errType
	}
	return ev
}

// errorMessage extracts a human message from an API error body, accepting
// {"error":{"message":…}}, {"error":"…"} and {"message":…}.
func errorMessage(body []byte) string {
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		r := gjson.GetBytes(body, path)
		if r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response body"
	}
	return s
}
