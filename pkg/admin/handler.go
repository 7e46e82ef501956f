// Package admin provides the operator REST API: gateway statistics, audit
// retrieval, session bootstrap and per-session permission and rate control.
package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/txn2/ipc-gateway/pkg/audit"
	"github.com/txn2/ipc-gateway/pkg/gateway"
	"github.com/txn2/ipc-gateway/pkg/policy"
	"github.com/txn2/ipc-gateway/pkg/ratelimit"
	"github.com/txn2/ipc-gateway/pkg/session"
)

const pathParamID = "id"

// Gateway is the subset of *gateway.Gateway the admin API uses.
type Gateway interface {
	Stats(ctx context.Context) (gateway.Stats, error)
	CreateSession(ctx context.Context, level policy.Level, label string) (*session.Session, error)
	RevokeSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]*session.Session, error)
	SetSessionLevel(ctx context.Context, sessionID string, level policy.Level) (*session.Session, error)
	AvailableCommands(ctx context.Context, sessionID string) ([]policy.Rule, error)
	RateLimitStatus(sessionID string) ratelimit.SessionStatus
	ResetRateLimit(sessionID string) bool
}

// Deps holds the handler dependencies. Nil dependencies disable their routes.
type Deps struct {
	Gateway      Gateway
	AuditQuerier audit.Querier
}

// Handler provides admin REST API endpoints.
type Handler struct {
	mux        *http.ServeMux
	deps       Deps
	authMiddle func(http.Handler) http.Handler
}

// NewHandler creates a new admin API handler.
func NewHandler(deps Deps, authMiddle func(http.Handler) http.Handler) *Handler {
	h := &Handler{
		mux:        http.NewServeMux(),
		deps:       deps,
		authMiddle: authMiddle,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authMiddle != nil {
		h.authMiddle(h.mux).ServeHTTP(w, r)
		return
	}
	h.mux.ServeHTTP(w, r)
}

// registerRoutes registers all admin API routes.
func (h *Handler) registerRoutes() {
	if h.deps.Gateway != nil {
		h.mux.HandleFunc("GET /api/v1/admin/stats", h.getStats)
		h.mux.HandleFunc("GET /api/v1/admin/sessions", h.listSessions)
		h.mux.HandleFunc("POST /api/v1/admin/sessions", h.createSession)
		h.mux.HandleFunc("DELETE /api/v1/admin/sessions/{id}", h.revokeSession)
		h.mux.HandleFunc("PATCH /api/v1/admin/sessions/{id}", h.updateSessionLevel)
		h.mux.HandleFunc("GET /api/v1/admin/sessions/{id}/commands", h.listAvailableCommands)
		h.mux.HandleFunc("GET /api/v1/admin/sessions/{id}/rate-limit", h.getRateLimitStatus)
		h.mux.HandleFunc("DELETE /api/v1/admin/sessions/{id}/rate-limit", h.resetRateLimit)
	}
	if h.deps.AuditQuerier != nil {
		h.mux.HandleFunc("GET /api/v1/admin/audit", h.listAuditEntries)
		h.mux.HandleFunc("GET /api/v1/admin/audit/stats", h.getAuditStats)
		h.mux.HandleFunc("GET /api/v1/admin/audit/breakdown", h.getAuditBreakdown)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
