// Package server exposes the relay and the journal over HTTP: starting and
// aborting turns, session status, and journal readers over Server-Sent
// Events and WebSockets.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/bazelment/chatstream/internal/slogx"
	"github.com/bazelment/chatstream/journal"
	"github.com/bazelment/chatstream/provider"
	"github.com/bazelment/chatstream/relay"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithDefaultProvider names the provider used when a turn request omits one.
func WithDefaultProvider(name string) Option {
	return func(s *Server) { s.defaultProvider = name }
}

// WithToken requires a bearer token on conversation endpoints.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithCheckOrigin overrides the WebSocket origin check.
func WithCheckOrigin(check func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = check }
}

// Server is the HTTP API.
type Server struct {
	runner          *relay.Runner
	journal         *journal.Journal
	logger          *slog.Logger
	router          chi.Router
	upgrader        websocket.Upgrader
	defaultProvider string
	token           string
}

// New creates a Server.
func New(runner *relay.Runner, j *journal.Journal, opts ...Option) *Server {
	s := &Server{
		runner:  runner,
		journal: j,
		logger:  slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/conversations/{conversationID}", func(r chi.Router) {
		r.Use(requireToken(s.token))
		r.Post("/turns", s.handleStartTurn)
		r.Post("/abort", s.handleAbort)
		r.Get("/status", s.handleStatus)
		r.Get("/stream", s.handleStream)
		r.Get("/ws", s.handleWebSocket)
	})

	s.router = r
}

// TurnRequest is the body of POST /conversations/{id}/turns.
type TurnRequest struct {
	Provider string             `json:"provider,omitempty"`
	Messages []provider.Message `json:"messages"`
	provider.Options
}

// TurnResponse acknowledges a started turn. Events are read from the
// stream endpoints.
type TurnResponse struct {
	ConversationID string                `json:"conversation_id"`
	Provider       string                `json:"provider"`
	Status         relay.SessionStatus   `json:"status"`
	Session        relay.SessionSnapshot `json:"session"`
}

// StatusResponse describes the latest turn of a conversation.
type StatusResponse struct {
	Session *relay.SessionSnapshot `json:"session,omitempty"`
	Journal *journalStatus         `json:"journal,omitempty"`
	Active  bool                   `json:"active"`
}

type journalStatus struct {
	Status string `json:"status"`
	Start  int64  `json:"start_index"`
	Next   int64  `json:"next_index"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.runner.Providers(),
	})
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "conversationID")

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	name := strings.TrimSpace(req.Provider)
	if name == "" {
		name = s.defaultProvider
	}

	session, err := s.runner.StartTurn(r.Context(), name, provider.Turn{
		ConversationID: conv,
		Messages:       req.Messages,
		Options:        req.Options,
	})
	if err != nil {
		s.writeStartError(w, r, err)
		return
	}
	snap := session.Snapshot()
	writeJSON(w, http.StatusAccepted, TurnResponse{
		ConversationID: conv,
		Provider:       name,
		Status:         snap.Status,
		Session:        snap,
	})
}

func (s *Server) writeStartError(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *provider.ConfigError
	var unknown *relay.UnknownProviderError
	switch {
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusUnprocessableEntity, cfgErr.Error())
	case errors.As(err, &unknown):
		writeError(w, http.StatusBadRequest, unknown.Error())
	case errors.Is(err, relay.ErrStreamActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("start turn failed",
			slogx.Conversation(chi.URLParam(r, "conversationID")),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slogx.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start turn")
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "conversationID")
	if err := s.runner.Abort(conv); err != nil {
		if errors.Is(err, relay.ErrNoActiveStream) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "conversationID")

	var resp StatusResponse
	if session, ok := s.runner.Session(conv); ok {
		snap := session.Snapshot()
		resp.Session = &snap
	}
	resp.Active = s.runner.Active(conv)

	info, ok, err := s.journal.Info(r.Context(), conv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ok {
		resp.Journal = &journalStatus{Status: string(info.Status), Start: info.Start, Next: info.Next}
	}
	if resp.Session == nil && resp.Journal == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// readParams parses from_index and replay. Without from_index, an SSE
// Last-Event-ID resumes after the last delivered index.
func readParams(r *http.Request) (int64, journal.ReadOptions, error) {
	q := r.URL.Query()
	var from int64
	if v := q.Get("from_index"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, journal.ReadOptions{}, errors.New("from_index must be a non-negative integer")
		}
		from = n
	} else if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			from = n + 1
		}
	}
	var opts journal.ReadOptions
	if v := q.Get("replay"); v != "" {
		replay, err := strconv.ParseBool(v)
		if err != nil {
			return 0, journal.ReadOptions{}, errors.New("replay must be a boolean")
		}
		opts.FullReplay = replay
	}
	return from, opts, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
