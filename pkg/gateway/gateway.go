// Package gateway decides whether an inbound IPC command may reach its handler.
//
// Every call passes through four stages in a fixed order: session, rate,
// input, policy. The first stage that rejects the call determines the
// Decision. Each call produces exactly one audit entry.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/txn2/ipc-gateway/pkg/audit"
	"github.com/txn2/ipc-gateway/pkg/clock"
	"github.com/txn2/ipc-gateway/pkg/policy"
	"github.com/txn2/ipc-gateway/pkg/ratelimit"
	"github.com/txn2/ipc-gateway/pkg/sanitize"
	"github.com/txn2/ipc-gateway/pkg/session"
)

// slogKeyError is the slog attribute key for error values.
const slogKeyError = "error"

var (
	// ErrMissingSession is reported when a call carries no session ID.
	ErrMissingSession = errors.New("missing session id")

	// ErrSessionStoreUnavailable is reported when the session store fails.
	// The call is denied.
	ErrSessionStoreUnavailable = errors.New("session store unavailable")
)

// Recorder receives audit entries. *audit.Logger implements it.
type Recorder interface {
	Record(e audit.Entry)
}

// Config wires a Gateway to its components. All fields except Clock are required.
type Config struct {
	Rules     *policy.Table
	Sessions  session.Store
	Limiter   *ratelimit.Limiter
	Sanitizer *sanitize.Sanitizer
	Audit     Recorder
	Clock     clock.Clock
}

// Gateway is safe for concurrent use.
type Gateway struct {
	rules     *policy.Table
	sessions  session.Store
	limiter   *ratelimit.Limiter
	sanitizer *sanitize.Sanitizer
	audit     Recorder
	clock     clock.Clock

	decisions [len(kindNames)]atomic.Uint64
}

// New creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	var errs []error
	if cfg.Rules == nil {
		errs = append(errs, errors.New("rules are required"))
	}
	if cfg.Sessions == nil {
		errs = append(errs, errors.New("session store is required"))
	}
	if cfg.Limiter == nil {
		errs = append(errs, errors.New("rate limiter is required"))
	}
	if cfg.Sanitizer == nil {
		errs = append(errs, errors.New("sanitizer is required"))
	}
	if cfg.Audit == nil {
		errs = append(errs, errors.New("audit recorder is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	return &Gateway{
		rules:     cfg.Rules,
		sessions:  cfg.Sessions,
		limiter:   cfg.Limiter,
		sanitizer: cfg.Sanitizer,
		audit:     cfg.Audit,
		clock:     cfg.Clock,
	}, nil
}

// Validate runs the session, rate, input and policy stages for one call.
//
// An Allow resets the session's failure counter; if the session was revoked
// in the meantime the decision becomes DeniedSession. Any other denial, except
// RateLimited, counts as a failure; if that failure revokes the session the
// returned decision is DeniedSession and carries the original reason.
func (g *Gateway) Validate(ctx context.Context, sessionID, command string, payload json.RawMessage) Decision {
	start := g.clock.Now()

	d, sess := g.evaluate(ctx, sessionID, command, payload)
	severity := severityFor(d)

	if sess != nil {
		switch d.Kind {
		case KindAllow:
			if err := g.sessions.RecordSuccess(ctx, sessionID); err != nil {
				if errors.Is(err, session.ErrRevoked) || errors.Is(err, session.ErrNotFound) {
					// Revoked concurrently after the session stage passed.
					d = deny(KindDeniedSession, err)
					severity = severityFor(d)
				} else {
					slog.Warn("recording session success failed", "session_id", sessionID, slogKeyError, err)
				}
			}
		case KindRateLimited:
			// Throttling is not a failure.
		default:
			revoked, err := g.sessions.RecordFailure(ctx, sessionID)
			if err != nil {
				slog.Warn("recording session failure failed", "session_id", sessionID, slogKeyError, err)
			}
			if revoked {
				d = revokedAfter(d)
				severity = audit.SeverityCritical
				g.limiter.Forget(sessionID)
			}
		}
	}

	g.decisions[d.Kind].Add(1)
	entry := audit.NewEntry(start, sessionID, command).
		WithDecision(d.Kind.String(), d.Reason).
		WithSeverity(severity).
		WithDuration(g.clock.Now().Sub(start))
	g.audit.Record(*entry)

	return d
}

// evaluate runs the stages. sess is non-nil once the session stage passed.
func (g *Gateway) evaluate(ctx context.Context, sessionID, command string, payload json.RawMessage) (Decision, *session.Session) {
	sess, err := g.checkSession(ctx, sessionID)
	if err != nil {
		return deny(KindDeniedSession, err), nil
	}

	rateKey, perMinute := command, 0
	if rule, ok := g.rules.Lookup(command); ok {
		rateKey, perMinute = rule.Name, rule.RateLimitPerMinute
	}
	if err := g.limiter.CheckAndRecordCommand(sessionID, rateKey, perMinute); err != nil {
		d := deny(KindRateLimited, err)
		var we *ratelimit.WindowExceededError
		if errors.As(err, &we) {
			d.RetryAfter = we.RetryAfter
		}
		return d, sess
	}

	if err := g.sanitizer.Scan(payload); err != nil {
		return deny(KindDeniedInput, err), sess
	}

	if err := g.rules.Authorize(command, sess.Level); err != nil {
		return deny(KindDeniedPolicy, err), sess
	}

	return allow(), sess
}

func (g *Gateway) checkSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}

	if err := g.sessions.Touch(ctx, sessionID); err != nil {
		return nil, g.sessionError(sessionID, err)
	}

	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, g.sessionError(sessionID, err)
	}
	if sess.Revoked {
		return nil, session.ErrRevoked
	}
	return sess, nil
}

// sessionError maps store errors; anything unexpected fails closed.
func (g *Gateway) sessionError(sessionID string, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrRevoked):
		return err
	case errors.Is(err, session.ErrExpired):
		g.limiter.Forget(sessionID)
		return err
	default:
		slog.Error("session store failed", "session_id", sessionID, slogKeyError, err)
		return fmt.Errorf("%w: %w", ErrSessionStoreUnavailable, err)
	}
}

func revokedAfter(d Decision) Decision {
	return Decision{
		Kind:   KindDeniedSession,
		Reason: "session revoked after repeated failures: " + d.Reason,
		Err:    fmt.Errorf("%w: %w", session.ErrRevoked, d.Err),
	}
}

func severityFor(d Decision) audit.Severity {
	switch d.Kind {
	case KindAllow:
		return audit.SeverityInfo
	case KindDeniedInput:
		if errors.Is(d.Err, sanitize.ErrDangerousPattern) {
			return audit.SeverityCritical
		}
	case KindDeniedSession:
		if errors.Is(d.Err, session.ErrExpired) {
			return audit.SeverityCritical
		}
	}
	return audit.SeverityWarning
}

// CreateSession registers a session at level. Called by the trusted
// bootstrap path, never by the UI.
func (g *Gateway) CreateSession(ctx context.Context, level policy.Level, label string) (*session.Session, error) {
	sess, err := g.sessions.Create(ctx, level, label)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	slog.Info("session created", "session_id", sess.ID, "level", sess.Level.String(), "label", label)
	return sess, nil
}

// RevokeSession revokes a session on operator request.
func (g *Gateway) RevokeSession(ctx context.Context, sessionID string) error {
	if err := g.sessions.Revoke(ctx, sessionID, session.ReasonOperator); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	g.limiter.Forget(sessionID)

	entry := audit.NewEntry(g.clock.Now(), sessionID, "").
		WithDecision("session_revoked", session.ReasonOperator).
		WithSeverity(audit.SeverityCritical)
	g.audit.Record(*entry)

	slog.Info("session revoked", "session_id", sessionID, "reason", session.ReasonOperator)
	return nil
}

// SetSessionLevel changes a live session's permission level on operator
// request and records the change in the audit trail.
func (g *Gateway) SetSessionLevel(ctx context.Context, sessionID string, level policy.Level) (*session.Session, error) {
	before, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("setting session level: %w", err)
	}
	if err := g.sessions.SetLevel(ctx, sessionID, level); err != nil {
		return nil, fmt.Errorf("setting session level: %w", err)
	}

	detail := before.Level.String() + " -> " + level.String()
	entry := audit.NewEntry(g.clock.Now(), sessionID, "").
		WithDecision("session_level_changed", detail).
		WithSeverity(audit.SeverityWarning)
	g.audit.Record(*entry)
	slog.Info("session level changed", "session_id", sessionID, "from", before.Level.String(), "to", level.String())

	after, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	return after, nil
}

// AvailableCommands returns the rules the session's level admits.
func (g *Gateway) AvailableCommands(ctx context.Context, sessionID string) ([]policy.Rule, error) {
	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if sess.Revoked {
		return nil, session.ErrRevoked
	}
	return g.rules.Available(sess.Level), nil
}

// RateLimitStatus reports the session's rate windows. Nothing is recorded.
func (g *Gateway) RateLimitStatus(sessionID string) ratelimit.SessionStatus {
	return g.limiter.Status(sessionID)
}

// ResetRateLimit clears the session's rate windows on operator request and
// reports whether any were held. The reset is audited either way.
func (g *Gateway) ResetRateLimit(sessionID string) bool {
	held := g.limiter.Reset(sessionID)

	entry := audit.NewEntry(g.clock.Now(), sessionID, "").
		WithDecision("rate_limit_reset", "reset by operator").
		WithSeverity(audit.SeverityWarning)
	g.audit.Record(*entry)

	slog.Info("rate limit reset", "session_id", sessionID, "held_windows", held)
	return held
}

// ListSessions returns live sessions.
func (g *Gateway) ListSessions(ctx context.Context) ([]*session.Session, error) {
	sessions, err := g.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// Rules returns the command table.
func (g *Gateway) Rules() *policy.Table {
	return g.rules
}
