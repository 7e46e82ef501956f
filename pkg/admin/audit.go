package admin

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/txn2/ipc-gateway/pkg/audit"
)

const (
	paramStartTime = "start_time"
	paramEndTime   = "end_time"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

// auditEntryResponse wraps a paginated list of audit entries.
type auditEntryResponse struct {
	Data    []audit.Entry `json:"data"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

// auditStatsResponse holds aggregate audit statistics.
type auditStatsResponse struct {
	Total    int `json:"total"`
	Allowed  int `json:"allowed"`
	Denied   int `json:"denied"`
	Critical int `json:"critical"`
}

// parseAuditFilter parses the shared audit query parameters.
func parseAuditFilter(q url.Values) audit.QueryFilter {
	return audit.QueryFilter{
		SessionID: q.Get("session_id"),
		Command:   q.Get("command"),
		Decision:  q.Get("decision"),
		Severity:  audit.Severity(q.Get("severity")),
		StartTime: parseTimeParam(q, paramStartTime),
		EndTime:   parseTimeParam(q, paramEndTime),
	}
}

// listAuditEntries handles GET /api/v1/admin/audit.
//
// Query parameters: session_id, command, decision, severity, start_time,
// end_time (RFC 3339), page (1-based) and per_page (default 50, max 1000).
func (h *Handler) listAuditEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := parseAuditFilter(q)

	if filter.Severity != "" && !filter.Severity.Valid() {
		writeError(w, http.StatusBadRequest, "invalid severity: must be info, warning, or critical")
		return
	}

	filter.Limit = parseLimit(q)
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	if filter.Limit > maxAuditLimit {
		filter.Limit = maxAuditLimit
	}
	effectiveLimit := filter.Limit
	filter.Offset = parsePageOffset(q, effectiveLimit)

	entries, err := h.deps.AuditQuerier.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}

	// Count without limit/offset for total
	countFilter := filter
	countFilter.Limit = 0
	countFilter.Offset = 0
	total, err := h.deps.AuditQuerier.Count(r.Context(), countFilter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count audit entries")
		return
	}

	if entries == nil {
		entries = []audit.Entry{}
	}

	writeJSON(w, http.StatusOK, auditEntryResponse{
		Data:    entries,
		Total:   total,
		Page:    filter.Offset/effectiveLimit + 1,
		PerPage: effectiveLimit,
	})
}

// getAuditStats handles GET /api/v1/admin/audit/stats.
func (h *Handler) getAuditStats(w http.ResponseWriter, r *http.Request) {
	base := parseAuditFilter(r.URL.Query())
	base.Decision = ""
	base.Severity = ""

	total, err := h.deps.AuditQuerier.Count(r.Context(), base)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count audit entries")
		return
	}

	allowFilter := base
	allowFilter.Decision = audit.DecisionAllow
	allowed, err := h.deps.AuditQuerier.Count(r.Context(), allowFilter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count allowed entries")
		return
	}

	criticalFilter := base
	criticalFilter.Severity = audit.SeverityCritical
	critical, err := h.deps.AuditQuerier.Count(r.Context(), criticalFilter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count critical entries")
		return
	}

	writeJSON(w, http.StatusOK, auditStatsResponse{
		Total:    total,
		Allowed:  allowed,
		Denied:   total - allowed,
		Critical: critical,
	})
}

// getAuditBreakdown handles GET /api/v1/admin/audit/breakdown.
//
// group_by is one of command, decision, severity or session_id.
func (h *Handler) getAuditBreakdown(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	groupBy := audit.BreakdownDimension(q.Get("group_by"))
	if !audit.ValidBreakdownDimensions[groupBy] {
		writeError(w, http.StatusBadRequest,
			"invalid group_by: must be command, decision, severity, or session_id")
		return
	}

	var limit int
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	filter := audit.BreakdownFilter{
		GroupBy:   groupBy,
		Limit:     limit,
		StartTime: parseTimeParam(q, paramStartTime),
		EndTime:   parseTimeParam(q, paramEndTime),
	}

	entries, err := h.deps.AuditQuerier.Breakdown(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query breakdown")
		return
	}
	if entries == nil {
		entries = []audit.BreakdownEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func parseTimeParam(q url.Values, key string) *time.Time {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

// parsePageOffset parses the page query parameter and computes offset using the given effective limit.
func parsePageOffset(q url.Values, effectiveLimit int) int {
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return (n - 1) * effectiveLimit
		}
	}
	return 0
}

// parseLimit parses the per_page query parameter into a limit value.
func parseLimit(q url.Values) int {
	if v := q.Get("per_page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
