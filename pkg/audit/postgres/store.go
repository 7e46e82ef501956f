// Package postgres provides PostgreSQL storage for audit entries.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/ipc-gateway/pkg/audit"
)

const (
	tableName            = "audit_entries"
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000
	slogKeyError         = "error"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// auditColumns lists columns in insert and scan order.
var auditColumns = []string{
	"id", "timestamp", "session_id", "command", "decision",
	"detail", "severity", "duration_ms",
}

// Store implements audit.Sink and audit.Querier using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL audit store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// Write inserts a batch of entries in one statement.
func (s *Store) Write(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	qb := psq.Insert(tableName).Columns(auditColumns...)
	for _, e := range entries {
		qb = qb.Values(e.ID, e.Timestamp, e.SessionID, e.Command, e.Decision,
			e.Detail, string(e.Severity), e.DurationMS)
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("building audit insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting audit entries: %w", err)
	}
	return nil
}

// applyAuditFilter adds filter conditions to a SELECT builder.
func applyAuditFilter(qb sq.SelectBuilder, filter audit.QueryFilter) sq.SelectBuilder {
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}
	if filter.SessionID != "" {
		qb = qb.Where(sq.Eq{"session_id": filter.SessionID})
	}
	if filter.Command != "" {
		qb = qb.Where(sq.Eq{"command": filter.Command})
	}
	if filter.Decision != "" {
		qb = qb.Where(sq.Eq{"decision": filter.Decision})
	}
	if filter.Severity != "" {
		qb = qb.Where(sq.Eq{"severity": string(filter.Severity)})
	}
	return qb
}

// Query retrieves audit entries matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Entry, error) {
	qb := applyAuditFilter(psq.Select(auditColumns...).From(tableName), filter)
	qb = qb.OrderBy("timestamp DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit)) // #nosec G115 -- checked positive
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset)) // #nosec G115 -- checked positive
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if filter.Limit > 0 && filter.Limit <= maxQueryCapacity {
		allocCap = filter.Limit
	}
	entries := make([]audit.Entry, 0, allocCap)

	for rows.Next() {
		var e audit.Entry
		var severity string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.SessionID, &e.Command, &e.Decision,
			&e.Detail, &severity, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Severity = audit.Severity(severity)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return entries, nil
}

// Count returns the number of audit entries matching the filter.
func (s *Store) Count(ctx context.Context, filter audit.QueryFilter) (int, error) {
	qb := applyAuditFilter(psq.Select("COUNT(*)").From(tableName), filter)

	query, args, err := qb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return count, nil
}

// Breakdown returns entry counts grouped by a dimension, largest first.
func (s *Store) Breakdown(ctx context.Context, filter audit.BreakdownFilter) ([]audit.BreakdownEntry, error) {
	if !audit.ValidBreakdownDimensions[filter.GroupBy] {
		return nil, &audit.InvalidDimensionError{Dimension: filter.GroupBy}
	}
	limit := audit.ClampBreakdownLimit(filter.Limit)

	// GroupBy is validated against ValidBreakdownDimensions, so it is a known column.
	qb := psq.Select(
		fmt.Sprintf("COALESCE(%s, '') AS dimension", filter.GroupBy),
		"COUNT(*) AS count",
	).
		Column(sq.Expr("CAST(COUNT(*) FILTER (WHERE decision = ?) AS FLOAT) / COUNT(*) AS allow_rate", audit.DecisionAllow)).
		From(tableName)
	qb = applyAuditFilter(qb, audit.QueryFilter{StartTime: filter.StartTime, EndTime: filter.EndTime})
	qb = qb.GroupBy("dimension").
		OrderBy("count DESC", "dimension").
		Limit(uint64(limit)) // #nosec G115 -- clamped to [1, 100]

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building breakdown query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying breakdown: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []audit.BreakdownEntry{}
	for rows.Next() {
		var b audit.BreakdownEntry
		if err := rows.Scan(&b.Dimension, &b.Count, &b.AllowRate); err != nil {
			return nil, fmt.Errorf("scanning breakdown row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating breakdown rows: %w", err)
	}
	return out, nil
}

// Cleanup removes audit entries older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	query, args, err := psq.Delete(tableName).Where(sq.Lt{"timestamp": cutoff}).ToSql()
	if err != nil {
		return fmt.Errorf("building cleanup query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cleaning up audit entries: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically deletes
// old audit entries. The goroutine is stopped when Close is called.
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
					slog.Warn("audit cleanup failed", slogKeyError, err)
				}
			}
		}
	}()
}

// Close cancels the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var (
	_ audit.Sink    = (*Store)(nil)
	_ audit.Querier = (*Store)(nil)
)
