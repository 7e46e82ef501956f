package audit

import (
	"context"
	"time"
)

// QueryFilter selects audit entries. Zero fields match everything.
type QueryFilter struct {
	SessionID string
	Command   string
	Decision  string
	Severity  Severity
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Matches reports whether e satisfies the filter, ignoring Limit and Offset.
func (f QueryFilter) Matches(e Entry) bool {
	switch {
	case f.SessionID != "" && e.SessionID != f.SessionID:
		return false
	case f.Command != "" && e.Command != f.Command:
		return false
	case f.Decision != "" && e.Decision != f.Decision:
		return false
	case f.Severity != "" && e.Severity != f.Severity:
		return false
	case f.StartTime != nil && e.Timestamp.Before(*f.StartTime):
		return false
	case f.EndTime != nil && e.Timestamp.After(*f.EndTime):
		return false
	}
	return true
}

// BreakdownDimension defines valid group-by dimensions.
type BreakdownDimension string

const (
	// BreakdownByCommand groups by command name.
	BreakdownByCommand BreakdownDimension = "command"

	// BreakdownByDecision groups by decision kind.
	BreakdownByDecision BreakdownDimension = "decision"

	// BreakdownBySeverity groups by severity.
	BreakdownBySeverity BreakdownDimension = "severity"

	// BreakdownBySession groups by session ID.
	BreakdownBySession BreakdownDimension = "session_id"
)

// ValidBreakdownDimensions is the set of allowed group-by values.
var ValidBreakdownDimensions = map[BreakdownDimension]bool{
	BreakdownByCommand:  true,
	BreakdownByDecision: true,
	BreakdownBySeverity: true,
	BreakdownBySession:  true,
}

// BreakdownFilter controls breakdown query parameters.
type BreakdownFilter struct {
	GroupBy   BreakdownDimension
	Limit     int
	StartTime *time.Time
	EndTime   *time.Time
}

// BreakdownEntry holds aggregated counts for a single dimension value.
type BreakdownEntry struct {
	Dimension string  `json:"dimension"`
	Count     int     `json:"count"`
	AllowRate float64 `json:"allow_rate"`
}

// Breakdown limits.
const (
	DefaultBreakdownLimit = 10
	MaxBreakdownLimit     = 100
)

// ClampBreakdownLimit applies default and max bounds to a breakdown limit.
func ClampBreakdownLimit(limit int) int {
	if limit <= 0 {
		return DefaultBreakdownLimit
	}
	if limit > MaxBreakdownLimit {
		return MaxBreakdownLimit
	}
	return limit
}

// DecisionAllow is the decision value counted by AllowRate.
const DecisionAllow = "allow"

// Querier reads back recorded entries. Results are newest first.
type Querier interface {
	Query(ctx context.Context, filter QueryFilter) ([]Entry, error)
	Count(ctx context.Context, filter QueryFilter) (int, error)
	Breakdown(ctx context.Context, filter BreakdownFilter) ([]BreakdownEntry, error)
}
