// Package api serves the current stream session over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/agentstream/internal/engine"
	"github.com/user/agentstream/internal/types"
)

// Engine is the part of *engine.Engine the server needs.
type Engine interface {
	Snapshot() engine.Snapshot
	Visible(id types.MessageID) (engine.Visibility, bool)
	SubmitUserMessage(ctx context.Context, text string) (types.MessageID, error)
	AnswerClarification(ctx context.Context, questionID, answer string) (bool, error)
}

// Server is the chi router for the snapshot API.
type Server struct {
	engine Engine
	frames types.FrameStore
	router chi.Router
	logger *slog.Logger
}

// NewServer builds the router. frames may be nil when recording is off.
func NewServer(e Engine, frames types.FrameStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		engine: e,
		frames: frames,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Get("/snapshot", srv.handleSnapshot)
		r.Get("/snapshot/messages/{messageID}/visible", srv.handleVisible)
		r.Post("/messages", srv.handlePostMessage)
		r.Post("/clarifications/{questionID}/answer", srv.handleAnswer)
		r.Get("/runs/{runID}/frames", srv.handleFrames)
	})

	srv.router = r
	return srv
}

// ServeHTTP delegates to the router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "agentstream",
		"session": snap.Session != "",
		"run_id":  snap.RunID,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	id := types.MessageID(chi.URLParam(r, "messageID"))
	v, ok := s.engine.Visible(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	id, err := s.engine.SubmitUserMessage(r.Context(), req.Text)
	switch {
	case errors.Is(err, engine.ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	case errors.Is(err, engine.ErrNoSession):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no active stream"})
		return
	case err != nil:
		// The local echo is already in the transcript.
		s.logger.Error("append user message failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"id": string(id), "error": "backend append failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(id)})
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	questionID := chi.URLParam(r, "questionID")

	var req answerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
	}

	found, err := s.engine.AnswerClarification(r.Context(), questionID, req.Answer)
	if errors.Is(err, engine.ErrNoSession) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no active stream"})
		return
	}
	if err != nil {
		s.logger.Error("submit clarification answer failed", "question_id", questionID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"answered": found, "error": "backend append failed"})
		return
	}
	if !found && strings.TrimSpace(req.Answer) == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "question not pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answered": found})
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "frame recording not configured"})
		return
	}
	runID := types.RunID(strings.TrimSpace(chi.URLParam(r, "runID")))

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	frames, err := s.frames.Tail(r.Context(), runID, limit)
	if err != nil {
		s.logger.Error("tail frames failed", "run_id", string(runID), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if frames == nil {
		frames = []*types.Frame{}
	}
	writeJSON(w, http.StatusOK, frames)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
