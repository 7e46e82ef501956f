// Package audit records one append-only entry per gateway decision.
//
// Recording never blocks the caller: entries go through a bounded queue to a
// single background worker that writes batches to a Sink. When the queue is
// full the oldest pending entry is dropped and counted.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies an entry for review.
type Severity string

const (
	// SeverityInfo marks allowed calls.
	SeverityInfo Severity = "info"

	// SeverityWarning marks denied or throttled calls.
	SeverityWarning Severity = "warning"

	// SeverityCritical marks revocations and dangerous input.
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Entry is a single audit record. Entries are never modified after Record.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	Command    string    `json:"command"`
	Decision   string    `json:"decision"`
	Detail     string    `json:"detail,omitempty"`
	Severity   Severity  `json:"severity"`
	DurationMS int64     `json:"duration_ms"`
}

// NewEntry creates an entry stamped with a new ID and the given time.
func NewEntry(ts time.Time, sessionID, command string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Timestamp: ts,
		SessionID: sessionID,
		Command:   command,
		Severity:  SeverityInfo,
	}
}

// WithDecision sets the decision kind and detail.
func (e *Entry) WithDecision(decision, detail string) *Entry {
	e.Decision = decision
	e.Detail = detail
	return e
}

// WithSeverity sets the severity.
func (e *Entry) WithSeverity(s Severity) *Entry {
	e.Severity = s
	return e
}

// WithDuration sets how long the decision took.
func (e *Entry) WithDuration(d time.Duration) *Entry {
	e.DurationMS = d.Milliseconds()
	return e
}
