package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/txn2/ipc-gateway/pkg/policy"
	"github.com/txn2/ipc-gateway/pkg/session"
)

// maxRequestBody bounds admin request bodies.
const maxRequestBody = 64 << 10

// createSessionRequest is the body of POST /api/v1/admin/sessions.
type createSessionRequest struct {
	Level policy.Level `json:"level"`
	Label string       `json:"label"`
}

// updateSessionRequest is the body of PATCH /api/v1/admin/sessions/{id}.
type updateSessionRequest struct {
	Level *policy.Level `json:"level"`
}

// commandListResponse wraps the commands a session may run.
type commandListResponse struct {
	SessionID string        `json:"session_id"`
	Data      []policy.Rule `json:"data"`
	Total     int           `json:"total"`
}

// sessionListResponse wraps the live session list.
type sessionListResponse struct {
	Data  []*session.Session `json:"data"`
	Total int                `json:"total"`
}

// getStats handles GET /api/v1/admin/stats.
func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Gateway.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// listSessions handles GET /api/v1/admin/sessions.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Gateway.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Data: sessions, Total: len(sessions)})
}

// createSession handles POST /api/v1/admin/sessions.
//
// The body is {"level": "basic|elevated|admin", "label": "..."}. A missing
// level creates a basic session.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.deps.Gateway.CreateSession(r.Context(), req.Level, req.Label)
	if err != nil {
		slog.Warn("admin session create failed", "level", req.Level.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	if u := GetUser(r.Context()); u != nil {
		slog.Info("session created by admin", "admin", u.Name, "session_id", sess.ID)
	}
	writeJSON(w, http.StatusCreated, sess)
}

// revokeSession handles DELETE /api/v1/admin/sessions/{id}.
func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue(pathParamID)

	err := h.deps.Gateway.RevokeSession(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to revoke session")
		return
	}

	if u := GetUser(r.Context()); u != nil {
		slog.Info("session revoked by admin", "admin", u.Name, "session_id", id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "id": id})
}

// updateSessionLevel handles PATCH /api/v1/admin/sessions/{id}.
//
// The body is {"level": "basic|elevated|admin"}. The change applies to the
// session's next call.
func (h *Handler) updateSessionLevel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue(pathParamID)

	var req updateSessionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Level == nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.deps.Gateway.SetSessionLevel(r.Context(), id, *req.Level)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, session.ErrRevoked):
		writeError(w, http.StatusConflict, "session revoked")
		return
	case err != nil:
		slog.Warn("admin session level change failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update session")
		return
	}

	if u := GetUser(r.Context()); u != nil {
		slog.Info("session level changed by admin", "admin", u.Name, "session_id", id, "level", sess.Level.String())
	}
	writeJSON(w, http.StatusOK, sess)
}

// listAvailableCommands handles GET /api/v1/admin/sessions/{id}/commands.
func (h *Handler) listAvailableCommands(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue(pathParamID)

	rules, err := h.deps.Gateway.AvailableCommands(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, session.ErrRevoked):
		writeError(w, http.StatusConflict, "session revoked")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}

	if rules == nil {
		rules = []policy.Rule{}
	}
	writeJSON(w, http.StatusOK, commandListResponse{SessionID: id, Data: rules, Total: len(rules)})
}

// getRateLimitStatus handles GET /api/v1/admin/sessions/{id}/rate-limit.
func (h *Handler) getRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Gateway.RateLimitStatus(r.PathValue(pathParamID)))
}

// resetRateLimit handles DELETE /api/v1/admin/sessions/{id}/rate-limit.
func (h *Handler) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue(pathParamID)
	held := h.deps.Gateway.ResetRateLimit(id)

	if u := GetUser(r.Context()); u != nil {
		slog.Info("rate limit reset by admin", "admin", u.Name, "session_id", id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "id": id, "cleared": held})
}
