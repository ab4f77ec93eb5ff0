// Package server exposes the keeperd HTTP surface: the turn-driving chat
// endpoint, character bootstrap and inspection endpoints, the dice
// websocket, health, and the Prometheus scrape handler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	"github.com/arkhamlabs/keeperd/internal/keeper"
	"github.com/arkhamlabs/keeperd/internal/observe"
	"github.com/arkhamlabs/keeperd/internal/state"
	"github.com/arkhamlabs/keeperd/internal/turn"
)

// TurnRunner drives one turn per call. The production implementation is
// [turn.Runner].
type TurnRunner interface {
	Run(ctx context.Context, playerID, input string) (*turn.Result, error)
}

// Server is the HTTP layer. Construct with [New] and mount via [Handler].
type Server struct {
	runner  TurnRunner
	loader  *turn.Loader
	states  *state.Store
	catalog catalog.Store
	dice    http.Handler
	metrics *observe.Metrics
	log     *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger overrides the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates the Server. dice serves the websocket fan-out at /ws/dice.
func New(runner TurnRunner, loader *turn.Loader, states *state.Store, cat catalog.Store, dice http.Handler, m *observe.Metrics, opts ...Option) *Server {
	s := &Server{
		runner:  runner,
		loader:  loader,
		states:  states,
		catalog: cat,
		dice:    dice,
		metrics: m,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the chi router with all routes and middleware mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	r.Post("/api/character_entered", s.handleCharacterEntered)
	r.Post("/api/chat", s.handleChat)
	r.Get("/api/character_data/{id}", s.handleCharacterData)
	r.Get("/api/character_sheet/{id}", s.handleCharacterSheet)
	r.Get("/api/session_state/{id}", s.handleSessionState)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	if s.dice != nil {
		r.Get("/ws/dice", s.dice.ServeHTTP)
	}
	return r
}

type characterEnteredRequest struct {
	CharacterID string `json:"character_id"`
}

// handleCharacterEntered bootstraps a character: sheet, session, map state,
// and the NPC sessions of the entered map are loaded (seeding from the
// catalog where the KV layer has nothing) and committed.
func (s *Server) handleCharacterEntered(w http.ResponseWriter, r *http.Request) {
	var req characterEnteredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CharacterID == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("character_id is required"))
		return
	}

	v, err := s.loader.Load(r.Context(), req.CharacterID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if err := s.states.Commit(r.Context(), v); err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"character_id":   req.CharacterID,
		"current_map_id": v.ActiveMapID,
	})
}

type chatRequest struct {
	CharacterID string `json:"character_id"`
	Input       string `json:"input"`
}

type chatResponse struct {
	TurnID              string               `json:"turn_id"`
	Reply               string               `json:"reply"`
	ConversationHistory []state.HistoryEntry `json:"conversation_history,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CharacterID == "" || req.Input == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("character_id and input are required"))
		return
	}

	res, err := s.runner.Run(r.Context(), req.CharacterID, req.Input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chatResponse{
		TurnID:              res.TurnID,
		Reply:               res.Reply,
		ConversationHistory: res.History,
	})
}

// handleCharacterData returns the combined client view: the sheet plus the
// live session. A character without a session yet gets the freshly
// materialized defaults, without persisting them.
func (s *Server) handleCharacterData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sheet, err := s.sheet(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	sess, err := s.states.Session(r.Context(), id)
	switch {
	case errors.Is(err, state.ErrNotFound):
		sess = state.MaterializeSession(sheet)
	case err != nil:
		s.writeMappedError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sheet":   sheet,
		"session": sess,
	})
}

func (s *Server) handleCharacterSheet(w http.ResponseWriter, r *http.Request) {
	sheet, err := s.sheet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sheet)
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	sess, err := s.states.Session(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, state.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.states.Ping(r.Context()); err != nil {
		s.log.Warn("server: redis ping failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"redis":  "disconnected",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"redis":  "connected",
	})
}

// sheet prefers the KV copy and falls back to the catalog row.
func (s *Server) sheet(ctx context.Context, id string) (*catalog.Sheet, error) {
	sheet, err := s.states.Sheet(ctx, id)
	if err == nil {
		return sheet, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	return s.catalog.Sheet(ctx, id)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: encode response", "error", err)
	}
}

// writeMappedError translates pipeline error kinds to HTTP statuses.
func (s *Server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, keeper.ErrEntityMissing), errors.Is(err, state.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, keeper.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, keeper.ErrTurnInFlight):
		status = http.StatusConflict
	}
	s.writeError(w, r, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
