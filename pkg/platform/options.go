package platform

import (
	"database/sql"
	"log/slog"

	"github.com/txn2/ipc-gateway/pkg/audit"
	"github.com/txn2/ipc-gateway/pkg/clock"
	"github.com/txn2/ipc-gateway/pkg/session"
)

// Options configures the platform.
type Options struct {
	// Config is the gateway configuration.
	Config *Config

	// DB is the database connection (optional, opened from config.database.dsn
	// when a postgres store is configured and no DB is provided).
	DB *sql.DB

	// Clock is the time source (optional, defaults to the wall clock).
	Clock clock.Clock

	// SessionStore overrides the store selected by session.store (optional).
	SessionStore session.Store

	// AuditSinks are extra sinks receiving every audit batch (optional).
	AuditSinks []audit.Sink

	// Logger receives audit entries when audit.log_entries is set
	// (optional, defaults to slog.Default()).
	Logger *slog.Logger
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithSessionStore sets the session store.
func WithSessionStore(store session.Store) Option {
	return func(o *Options) {
		o.SessionStore = store
	}
}

// WithAuditSink adds an audit sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *Options) {
		o.AuditSinks = append(o.AuditSinks, sink)
	}
}

// WithLogger sets the logger used by the audit slog sink.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
