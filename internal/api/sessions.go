package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"camrelay/internal/auth"
	"camrelay/internal/session"
)

type sessionResponse struct {
	ID         string         `json:"session_id"`
	State      session.State  `json:"state"`
	Config     session.Config `json:"config"`
	CreatedAt  time.Time      `json:"created_at"`
	ResultsURL string         `json:"results_url"`
}

func newSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:         s.ID(),
		State:      s.State(),
		Config:     s.Config().Public(),
		CreatedAt:  s.CreatedAt(),
		ResultsURL: fmt.Sprintf("/ws/sessions/%s/results", s.ID()),
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg session.Config
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	sess, err := s.registry.Create(r.Context(), cfg)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(sess))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, newSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Start(id); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.respondStatus(w, id)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Stop(id); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.respondStatus(w, id)
}

func (s *Server) respondStatus(w http.ResponseWriter, id string) {
	snap, err := s.registry.Status(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	token, expires, err := s.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		writeError(w, http.StatusNotFound, "authentication is disabled", nil)
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.logger.Warn().Str("username", req.Username).Msg("login rejected")
		writeError(w, http.StatusUnauthorized, "invalid credentials", nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to issue token", err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires.UTC()})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found", err)
	case errors.Is(err, session.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, "invalid session config", err)
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusConflict, "session is closed", err)
	default:
		s.logger.Error().Err(err).Msg("session operation failed")
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string, err error) {
	resp := errorResponse{Error: msg}
	if err != nil {
		resp.Detail = err.Error()
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
