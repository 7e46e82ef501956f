// Package session tracks authenticated IPC sessions: their permission level,
// activity, consecutive failures and revocation.
//
// Expiry is evaluated lazily on access. A session whose idle time exceeds the
// configured timeout is revoked the first time it is touched afterwards.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/txn2/ipc-gateway/pkg/policy"
)

// Defaults applied to zero config values.
const (
	DefaultTimeout     = 24 * time.Hour
	DefaultMaxFailures = 5
	DefaultRetention   = time.Hour
)

// Revocation reasons recorded on the session.
const (
	ReasonTooManyFailures = "too many failed attempts"
	ReasonExpired         = "session expired"
	ReasonOperator        = "revoked by operator"
)

var (
	// ErrNotFound is returned for an unknown session ID.
	ErrNotFound = errors.New("session not found")

	// ErrRevoked is returned when the session has been revoked.
	ErrRevoked = errors.New("session revoked")

	// ErrExpired is returned when the session idled past its timeout.
	ErrExpired = errors.New("session expired")
)

// Session is an authenticated IPC session. Values handed out by a Store are
// copies; mutating them has no effect on the stored record.
type Session struct {
	ID                  string       `json:"id"`
	Level               policy.Level `json:"level"`
	Label               string       `json:"label,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	LastActivity        time.Time    `json:"last_activity"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Revoked             bool         `json:"revoked"`
	RevokedAt           time.Time    `json:"revoked_at,omitzero"`
	RevokeReason        string       `json:"revoke_reason,omitempty"`
}

// Clone returns a copy of s.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// IdleExpired reports whether the session has been idle longer than timeout.
func (s *Session) IdleExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivity) > timeout
}

// revoke marks the session revoked. Already revoked sessions keep their
// original reason.
func (s *Session) revoke(now time.Time, reason string) {
	if s.Revoked {
		return
	}
	s.Revoked = true
	s.RevokedAt = now
	s.RevokeReason = reason
}

// Config configures session lifetime and revocation.
type Config struct {
	// Timeout is the maximum idle time (default: 24h).
	Timeout time.Duration

	// MaxFailures is the consecutive failure count that revokes a session (default: 5).
	MaxFailures int

	// Retention is how long dead sessions stay queryable before Cleanup
	// reclaims them (default: 1h).
	Retention time.Duration
}

// WithDefaults returns c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Stats summarizes the sessions held by a store.
type Stats struct {
	Active  int `json:"active"`
	Revoked int `json:"revoked"`
	Expired int `json:"expired"`
}

// Store defines session persistence. Implementations serialize mutations of a
// single session; operations on different sessions must not block each other.
type Store interface {
	// Create registers a new session at the given level.
	Create(ctx context.Context, level policy.Level, label string) (*Session, error)

	// Get returns a copy of the session. Returns ErrNotFound if unknown.
	Get(ctx context.Context, id string) (*Session, error)

	// Touch records activity. Returns ErrRevoked, ErrExpired or ErrNotFound.
	// An expired session is revoked by the call that discovers it.
	Touch(ctx context.Context, id string) error

	// RecordFailure increments the consecutive failure counter and revokes
	// the session when it reaches the configured maximum. revoked is true
	// only for the call that caused the revocation.
	RecordFailure(ctx context.Context, id string) (revoked bool, err error)

	// RecordSuccess resets the consecutive failure counter.
	RecordSuccess(ctx context.Context, id string) error

	// SetLevel changes the session's permission level. Returns ErrRevoked
	// for a revoked session and an error for an invalid level.
	SetLevel(ctx context.Context, id string, level policy.Level) error

	// Revoke revokes the session. Revoking a revoked session is a no-op.
	Revoke(ctx context.Context, id, reason string) error

	// List returns live (not revoked, not expired) sessions.
	List(ctx context.Context) ([]*Session, error)

	// Stats counts sessions by state.
	Stats(ctx context.Context) (Stats, error)

	// Cleanup reclaims sessions dead for longer than the retention period.
	Cleanup(ctx context.Context) error

	// Close stops background routines and releases resources.
	Close() error
}
