// Package postgres provides PostgreSQL storage for sessions.
//
// Each mutation runs in a transaction holding the session's row lock, so
// updates to one session are serialized while different sessions proceed
// independently.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/txn2/ipc-gateway/pkg/clock"
	"github.com/txn2/ipc-gateway/pkg/policy"
	"github.com/txn2/ipc-gateway/pkg/session"
)

const (
	tableName    = "sessions"
	slogKeyError = "error"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sessionColumns lists columns returned by session SELECT queries.
var sessionColumns = []string{
	"id", "level", "label", "created_at", "last_activity",
	"consecutive_failures", "revoked", "revoked_at", "revoke_reason",
}

// Store implements session.Store using PostgreSQL.
type Store struct {
	db     *sql.DB
	cfg    session.Config
	clock  clock.Clock
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new PostgreSQL session store. A nil clock uses the system clock.
func New(db *sql.DB, cfg session.Config, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		db:    db,
		cfg:   cfg.WithDefaults(),
		clock: clk,
	}
}

// Create inserts a new session.
func (s *Store) Create(ctx context.Context, level policy.Level, label string) (*session.Session, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("creating session: invalid level %d", level)
	}

	now := s.clock.Now()
	sess := &session.Session{
		ID:           uuid.NewString(),
		Level:        level,
		Label:        label,
		CreatedAt:    now,
		LastActivity: now,
	}

	query, args, err := psq.Insert(tableName).
		Columns("id", "level", "label", "created_at", "last_activity", "consecutive_failures", "revoked").
		Values(sess.ID, int(sess.Level), sess.Label, sess.CreatedAt, sess.LastActivity, 0, false).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building insert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// Get retrieves a session by ID.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From(tableName).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	return scanSession(s.db.QueryRowContext(ctx, query, args...))
}

// Touch records activity, revoking the session if it has expired.
func (s *Store) Touch(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(sess *session.Session, now time.Time) error {
		if sess.Revoked {
			return session.ErrRevoked
		}
		if sess.IdleExpired(now, s.cfg.Timeout) {
			markRevoked(sess, now, session.ReasonExpired)
			slog.Info("session expired", "session_id", id, "label", sess.Label)
			return session.ErrExpired
		}
		sess.LastActivity = now
		return nil
	})
}

// RecordFailure increments the failure counter and revokes at the threshold.
func (s *Store) RecordFailure(ctx context.Context, id string) (bool, error) {
	revoked := false
	err := s.mutate(ctx, id, func(sess *session.Session, now time.Time) error {
		if sess.Revoked {
			return session.ErrRevoked
		}
		sess.ConsecutiveFailures++
		if sess.ConsecutiveFailures >= s.cfg.MaxFailures {
			markRevoked(sess, now, session.ReasonTooManyFailures)
			revoked = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if revoked {
		slog.Warn("session revoked", "session_id", id, "consecutive_failures", s.cfg.MaxFailures)
	}
	return revoked, nil
}

// RecordSuccess resets the failure counter.
func (s *Store) RecordSuccess(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(sess *session.Session, _ time.Time) error {
		if sess.Revoked {
			return session.ErrRevoked
		}
		sess.ConsecutiveFailures = 0
		return nil
	})
}

// SetLevel changes the session's permission level with a single conditional
// update. When no row matches, the session is read back to tell an unknown
// session from a revoked one.
func (s *Store) SetLevel(ctx context.Context, id string, level policy.Level) error {
	if !level.Valid() {
		return fmt.Errorf("setting session level: invalid level %d", level)
	}

	query, args, err := psq.Update(tableName).
		Set("level", int(level)).
		Where(sq.Eq{"id": id, "revoked": false}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building level update query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating session level: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return session.ErrRevoked
}

// Revoke revokes the session.
func (s *Store) Revoke(ctx context.Context, id, reason string) error {
	return s.mutate(ctx, id, func(sess *session.Session, now time.Time) error {
		markRevoked(sess, now, reason)
		return nil
	})
}

// List returns live sessions.
func (s *Store) List(ctx context.Context) ([]*session.Session, error) {
	cutoff := s.clock.Now().Add(-s.cfg.Timeout)
	query, args, err := psq.Select(sessionColumns...).
		From(tableName).
		Where(sq.Eq{"revoked": false}).
		Where(sq.GtOrEq{"last_activity": cutoff}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// Stats counts sessions by state.
func (s *Store) Stats(ctx context.Context) (session.Stats, error) {
	cutoff := s.clock.Now().Add(-s.cfg.Timeout)
	query, args, err := psq.Select().
		Column(sq.Expr("COUNT(*) FILTER (WHERE NOT revoked AND last_activity >= ?)", cutoff)).
		Column("COUNT(*) FILTER (WHERE revoked)").
		Column(sq.Expr("COUNT(*) FILTER (WHERE NOT revoked AND last_activity < ?)", cutoff)).
		From(tableName).
		ToSql()
	if err != nil {
		return session.Stats{}, fmt.Errorf("building stats query: %w", err)
	}

	var st session.Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&st.Active, &st.Revoked, &st.Expired); err != nil {
		return session.Stats{}, fmt.Errorf("counting sessions: %w", err)
	}
	return st, nil
}

// Cleanup deletes sessions dead for longer than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	now := s.clock.Now()
	query, args, err := psq.Delete(tableName).
		Where(sq.Or{
			sq.And{sq.Eq{"revoked": true}, sq.Lt{"revoked_at": now.Add(-s.cfg.Retention)}},
			sq.And{sq.Eq{"revoked": false}, sq.Lt{"last_activity": now.Add(-s.cfg.Timeout - s.cfg.Retention)}},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building cleanup query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cleaning up sessions: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// reclaims dead sessions. The goroutine is stopped when Close is called.
// A non-positive interval starts nothing.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("session cleanup failed", slogKeyError, err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// mutate loads the session under a row lock, applies fn and writes the
// mutable columns back. The write is committed even when fn returns a
// session error, so that revocation on expiry persists.
func (s *Store) mutate(ctx context.Context, id string, fn func(*session.Session, time.Time) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil && !isSessionError(err) {
			_ = tx.Rollback()
		}
	}()

	query, args, err := psq.Select(sessionColumns...).
		From(tableName).
		Where(sq.Eq{"id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return fmt.Errorf("building lock query: %w", err)
	}

	sess, err := scanSession(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return err
	}

	before := *sess
	outcome := fn(sess, s.clock.Now())

	if *sess != before {
		if err := updateSession(ctx, tx, sess); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session update: %w", err)
	}
	return outcome
}

func updateSession(ctx context.Context, tx *sql.Tx, sess *session.Session) error {
	query, args, err := psq.Update(tableName).
		Set("last_activity", sess.LastActivity).
		Set("consecutive_failures", sess.ConsecutiveFailures).
		Set("revoked", sess.Revoked).
		Set("revoked_at", nullTime(sess.RevokedAt)).
		Set("revoke_reason", sess.RevokeReason).
		Where(sq.Eq{"id": sess.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

func markRevoked(sess *session.Session, now time.Time, reason string) {
	if sess.Revoked {
		return
	}
	sess.Revoked = true
	sess.RevokedAt = now
	sess.RevokeReason = reason
}

func isSessionError(err error) bool {
	return errors.Is(err, session.ErrRevoked) || errors.Is(err, session.ErrExpired)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess      session.Session
		level     int
		label     sql.NullString
		revokedAt sql.NullTime
		reason    sql.NullString
	)

	err := row.Scan(&sess.ID, &level, &label, &sess.CreatedAt, &sess.LastActivity,
		&sess.ConsecutiveFailures, &sess.Revoked, &revokedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Level = policy.Level(level)
	sess.Label = label.String
	sess.RevokeReason = reason.String
	if revokedAt.Valid {
		sess.RevokedAt = revokedAt.Time
	}
	return &sess, nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
