package admin

import (
	"context"
	"time"

	"github.com/txn2/ipc-gateway/pkg/audit"
	"github.com/txn2/ipc-gateway/pkg/gateway"
	"github.com/txn2/ipc-gateway/pkg/policy"
	"github.com/txn2/ipc-gateway/pkg/ratelimit"
	"github.com/txn2/ipc-gateway/pkg/session"
)

// --- Mock Gateway ---

type mockGateway struct {
	stats    gateway.Stats
	statsErr error

	sessions []*session.Session
	listErr  error

	created   *session.Session
	createErr error
	gotLevel  policy.Level
	gotLabel  string

	revokeErr error
	revokedID string

	updated    *session.Session
	updateErr  error
	gotSetID   string
	gotSetLvl  policy.Level
	setCalls   int
	available  []policy.Rule
	availErr   error
	rateStatus ratelimit.SessionStatus
	resetHeld  bool
	resetID    string
}

func (m *mockGateway) Stats(_ context.Context) (gateway.Stats, error) {
	return m.stats, m.statsErr
}

func (m *mockGateway) CreateSession(_ context.Context, level policy.Level, label string) (*session.Session, error) {
	m.gotLevel = level
	m.gotLabel = label
	if m.createErr != nil {
		return nil, m.createErr
	}
	return m.created, nil
}

func (m *mockGateway) RevokeSession(_ context.Context, sessionID string) error {
	m.revokedID = sessionID
	return m.revokeErr
}

func (m *mockGateway) ListSessions(_ context.Context) ([]*session.Session, error) {
	return m.sessions, m.listErr
}

func (m *mockGateway) SetSessionLevel(_ context.Context, sessionID string, level policy.Level) (*session.Session, error) {
	m.setCalls++
	m.gotSetID = sessionID
	m.gotSetLvl = level
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return m.updated, nil
}

func (m *mockGateway) AvailableCommands(_ context.Context, _ string) ([]policy.Rule, error) {
	return m.available, m.availErr
}

func (m *mockGateway) RateLimitStatus(sessionID string) ratelimit.SessionStatus {
	st := m.rateStatus
	st.SessionID = sessionID
	return st
}

func (m *mockGateway) ResetRateLimit(sessionID string) bool {
	m.resetID = sessionID
	return m.resetHeld
}

// Verify interface compliance.
var _ Gateway = (*mockGateway)(nil)

// --- Mock AuditQuerier ---

type mockAuditQuerier struct {
	queryResult []audit.Entry
	queryErr    error
	lastQuery   audit.QueryFilter

	countResult int
	countErr    error
	countByDec  map[string]int
	countBySev  map[audit.Severity]int
	countCalls  int

	breakdownResult []audit.BreakdownEntry
	breakdownErr    error
	lastBreakdown   audit.BreakdownFilter
}

func (m *mockAuditQuerier) Query(_ context.Context, filter audit.QueryFilter) ([]audit.Entry, error) {
	m.lastQuery = filter
	return m.queryResult, m.queryErr
}

func (m *mockAuditQuerier) Count(_ context.Context, filter audit.QueryFilter) (int, error) {
	m.countCalls++
	if m.countErr != nil {
		return 0, m.countErr
	}
	if n, ok := m.countByDec[filter.Decision]; ok && filter.Decision != "" {
		return n, nil
	}
	if n, ok := m.countBySev[filter.Severity]; ok && filter.Severity != "" {
		return n, nil
	}
	return m.countResult, nil
}

func (m *mockAuditQuerier) Breakdown(_ context.Context, filter audit.BreakdownFilter) ([]audit.BreakdownEntry, error) {
	m.lastBreakdown = filter
	return m.breakdownResult, m.breakdownErr
}

// Verify interface compliance.
var _ audit.Querier = (*mockAuditQuerier)(nil)

func testSession(id string, level policy.Level) *session.Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &session.Session{
		ID:           id,
		Level:        level,
		Label:        "main",
		CreatedAt:    now,
		LastActivity: now,
	}
}
