package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/bazelment/chatstream/internal/slogx"
	"github.com/bazelment/chatstream/journal"
)

const wsWriteTimeout = 10 * time.Second

// handleStream serves a journal read as Server-Sent Events. Event frames
// carry their journal index as the SSE id so EventSource reconnects resume
// through Last-Event-ID.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "conversationID")
	from, opts, err := readParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported by the server")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.logger.With(slogx.Conversation(conv))
	for f := range s.journal.Read(r.Context(), conv, from, opts) {
		if err := writeSSE(w, f); err != nil {
			logger.Debug("sse client gone", slogx.Error(err))
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, f journal.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if f.IsEvent() {
		if _, err := fmt.Fprintf(w, "id: %d\n", f.Index); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleWebSocket serves a journal read as one JSON text message per frame
// and closes the connection after the last frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "conversationID")
	from, opts, err := readParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", slogx.Conversation(conv), slogx.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reading is needed to process control messages and to notice the
	// client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := s.logger.With(slogx.Conversation(conv))
	for f := range s.journal.Read(ctx, conv, from, opts) {
		data, err := json.Marshal(f)
		if err != nil {
			logger.Error("encode frame", slogx.Error(err))
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug("websocket client gone", slogx.Error(err))
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
}
