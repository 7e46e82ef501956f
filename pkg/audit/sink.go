package audit

import (
	"context"
	"errors"
	"log/slog"
)

// Sink receives batches of entries from the Logger worker.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
}

// MultiSink writes every batch to each of its sinks. A failing sink does not
// prevent the others from receiving the batch.
type MultiSink []Sink

// Write implements Sink.
func (m MultiSink) Write(ctx context.Context, entries []Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SlogSink writes each entry as a structured log line. Severity selects the
// log level: info, warn or error.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a SlogSink. A nil logger uses slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Write implements Sink.
func (s *SlogSink) Write(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		s.logger.LogAttrs(ctx, severityLevel(e.Severity), "audit",
			slog.String("audit_id", e.ID),
			slog.Time("timestamp", e.Timestamp),
			slog.String("session_id", e.SessionID),
			slog.String("command", e.Command),
			slog.String("decision", e.Decision),
			slog.String("detail", e.Detail),
			slog.String("severity", string(e.Severity)),
			slog.Int64("duration_ms", e.DurationMS),
		)
	}
	return nil
}

func severityLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Verify interface compliance.
var (
	_ Sink = MultiSink(nil)
	_ Sink = (*SlogSink)(nil)
)
