// Package server exposes the HTTP and WebSocket surface: identity
// issuance, the request/response chat endpoint, session history and
// deletion, the real-time query loop, and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coursechat/backend/internal/chat"
	"github.com/coursechat/backend/internal/config"
	"github.com/coursechat/backend/internal/fault"
	"github.com/coursechat/backend/internal/metrics"
	"github.com/coursechat/backend/internal/protocol"
	"github.com/coursechat/backend/internal/ratelimit"
	"github.com/coursechat/backend/internal/session"
)

// Server binds the transport surface to the session manager and the
// turn orchestrator.
type Server struct {
	cfg      config.Config
	sessions *session.Manager
	turns    *chat.Orchestrator
	limiter  *ratelimit.Limiter // nil disables throttling

	httpServer *http.Server
}

// New creates a Server. The limiter may be nil.
func New(cfg config.Config, sessions *session.Manager, turns *chat.Orchestrator, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		turns:    turns,
		limiter:  limiter,
	}
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.Routes(),
	}
	return s
}

// Routes builds the router. Exposed separately so tests can mount it on
// an httptest server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/login", s.handleLogin)
	r.Post("/chat", s.handleChat)
	r.Get("/session/{session_id}/history", s.handleHistory)
	r.Delete("/session/{session_id}", s.handleDeleteSession)
	r.Get("/ws/{user_id}", s.handleWS)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// Start blocks on the HTTP listener until Shutdown.
func (s *Server) Start() error {
	log.Printf("[server] listening on %s", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and drains in-flight
// requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleLogin validates the submitted identity and issues a user id.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.Validation("malformed request body"))
		return
	}

	if err := protocol.ValidateIdentity(req.Email, req.Password); err != nil {
		writeError(w, err)
		return
	}

	if !s.allow(r.Context(), req.Email, ratelimit.RuleLogin) {
		writeThrottled(w)
		return
	}

	userID, err := s.sessions.CreateUser(r.Context(), req.Email, displayName(req.Email))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.LoginResponse{
		UserID: userID,
		Email:  req.Email,
		Name:   displayName(req.Email),
	})
}

// handleChat runs one request/response turn against the user's reusable
// session. The query is validated before any session state is touched,
// so a bad request never creates a session.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.Validation("malformed request body"))
		return
	}
	if req.UserID == "" {
		writeError(w, fault.Validation("user_id is required"))
		return
	}
	if err := protocol.ValidateQuery(req.Query); err != nil {
		writeError(w, err)
		return
	}

	if !s.allow(r.Context(), req.UserID, ratelimit.RuleQuery) {
		writeThrottled(w)
		return
	}

	sessionID, err := s.sessions.GetOrCreateSession(r.Context(), req.UserID, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	response, err := s.turns.HandleTurn(r.Context(), sessionID, req.UserID, req.Query)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.ChatResponse{Response: response})
}

// handleHistory returns the persisted conversation for a session.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	sess, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]protocol.HistoryEntry, 0, len(sess.ConversationHistory))
	for _, t := range sess.ConversationHistory {
		entries = append(entries, protocol.HistoryEntry{
			Query:     t.Query,
			Response:  t.Response,
			Timestamp: t.Timestamp,
		})
	}

	writeJSON(w, http.StatusOK, protocol.HistoryResponse{
		SessionID:           sessionID,
		ConversationHistory: entries,
	})
}

// handleDeleteSession removes a session and its dependent state.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	if _, err := s.sessions.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.sessions.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	s.turns.DropWindow(sessionID)

	writeJSON(w, http.StatusOK, protocol.StatusResponse{
		Status:  "ok",
		Message: "session deleted",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}

// allow consults the limiter when one is configured. Limiter errors
// fail open inside Allow.
func (s *Server) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(ctx, identifier, rule)
	return ok
}

// displayName derives a human-readable name from the identity string.
func displayName(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] write response: %v", err)
	}
}

// writeError maps the error class to an HTTP status and sends the
// structured error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrTransport):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, werr := w.Write(protocol.NewError(err)); werr != nil {
		log.Printf("[server] write error response: %v", werr)
	}
}

func writeThrottled(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int((time.Minute).Seconds())))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(protocol.NewError(errors.New("rate limit exceeded")))
}
