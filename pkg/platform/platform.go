package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/txn2/ipc-gateway/pkg/audit"
	auditpostgres "github.com/txn2/ipc-gateway/pkg/audit/postgres"
	"github.com/txn2/ipc-gateway/pkg/clock"
	"github.com/txn2/ipc-gateway/pkg/database/migrate"
	"github.com/txn2/ipc-gateway/pkg/gateway"
	"github.com/txn2/ipc-gateway/pkg/health"
	"github.com/txn2/ipc-gateway/pkg/policy"
	"github.com/txn2/ipc-gateway/pkg/ratelimit"
	"github.com/txn2/ipc-gateway/pkg/sanitize"
	"github.com/txn2/ipc-gateway/pkg/session"
	sessionpostgres "github.com/txn2/ipc-gateway/pkg/session/postgres"
)

// auditCleanupInterval is how often expired audit rows are deleted.
const auditCleanupInterval = time.Hour

// cleanupRoutine is a store with a background reclaim loop.
type cleanupRoutine interface {
	StartCleanupRoutine(interval time.Duration)
	Close() error
}

// Platform wires the gateway components from configuration and owns their
// lifecycle.
type Platform struct {
	config    *Config
	lifecycle *Lifecycle
	health    *health.Checker
	clock     clock.Clock

	db     *sql.DB
	ownsDB bool

	rules     *policy.Table
	sessions  session.Store
	limiter   *ratelimit.Limiter
	sanitizer *sanitize.Sanitizer

	auditMemory *audit.MemorySink
	auditStore  *auditpostgres.Store
	auditLogger *audit.Logger

	gateway *gateway.Gateway
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		config:    options.Config,
		lifecycle: NewLifecycle(),
		health:    health.NewChecker(),
		clock:     options.Clock,
	}
	if p.clock == nil {
		p.clock = clock.Real{}
	}

	if err := p.initializeComponents(options); err != nil {
		_ = p.closeUnstarted()
		return nil, fmt.Errorf("initializing components: %w", err)
	}

	p.registerLifecycle()
	return p, nil
}

// initializeComponents builds every component in dependency order.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initDatabase(opts); err != nil {
		return err
	}
	if err := p.initSecurity(); err != nil {
		return err
	}
	if err := p.initSessions(opts); err != nil {
		return err
	}
	p.initAudit(opts)
	return p.initGateway()
}

// initDatabase opens and migrates the database when a postgres store is configured.
func (p *Platform) initDatabase(opts *Options) error {
	if !p.config.NeedsDatabase() {
		return nil
	}

	db := opts.DB
	if db == nil {
		var err error
		db, err = sql.Open("postgres", p.config.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
		p.ownsDB = true
	}
	p.db = db

	if err := migrate.Run(db); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	p.health.AddProbe("database", db.PingContext)
	return nil
}

// initSecurity builds the rule table, sanitizer and rate limiter.
func (p *Platform) initSecurity() error {
	sec := p.config.Security

	rules := sec.Commands
	if len(rules) == 0 {
		rules = policy.DefaultRules()
	}
	table, err := policy.NewTable(rules)
	if err != nil {
		return fmt.Errorf("building command table: %w", err)
	}
	p.rules = table

	p.sanitizer, err = sanitize.New(sanitize.Config{
		MaxPayloadBytes: sec.MaxPayloadBytes,
		ExtraPatterns:   sec.DangerousPatterns,
	})
	if err != nil {
		return fmt.Errorf("building sanitizer: %w", err)
	}

	p.limiter = ratelimit.New(ratelimit.Config{
		PerMinute:       sec.RateLimitPerMinute,
		BurstPerSecond:  sec.RateBurstPerSecond,
		GlobalPerMinute: sec.GlobalRateLimitPerMinute,
	}, p.clock)

	slog.Info("security core configured",
		"commands", table.Len(),
		"rate_per_minute", sec.RateLimitPerMinute,
		"burst_per_second", sec.RateBurstPerSecond,
		"global_per_minute", sec.GlobalRateLimitPerMinute,
		"max_payload_bytes", sec.MaxPayloadBytes,
		"extra_patterns", len(sec.DangerousPatterns))
	return nil
}

// initSessions selects the session store.
func (p *Platform) initSessions(opts *Options) error {
	if opts.SessionStore != nil {
		p.sessions = opts.SessionStore
		return nil
	}

	cfg := session.Config{
		Timeout:     p.config.Security.SessionTimeout(),
		MaxFailures: p.config.Security.MaxFailuresBeforeRevoke,
	}

	switch p.config.Session.Store {
	case StorePostgres:
		p.sessions = sessionpostgres.New(p.db, cfg, p.clock)
	case StoreMemory:
		p.sessions = session.NewMemoryStore(cfg, session.WithClock(p.clock))
	default:
		return fmt.Errorf("unknown session store %q", p.config.Session.Store)
	}

	p.health.AddProbe("session_store", func(ctx context.Context) error {
		_, err := p.sessions.Stats(ctx)
		return err
	})
	return nil
}

// initAudit builds the audit sinks and the asynchronous logger.
func (p *Platform) initAudit(opts *Options) {
	cfg := p.config.Audit

	p.auditMemory = audit.NewMemorySink(cfg.MemoryCapacity)
	sinks := audit.MultiSink{p.auditMemory}

	if cfg.LogEntries {
		sinks = append(sinks, audit.NewSlogSink(opts.Logger))
	}
	if cfg.Store == StorePostgres {
		p.auditStore = auditpostgres.New(p.db, auditpostgres.Config{RetentionDays: cfg.RetentionDays})
		sinks = append(sinks, p.auditStore)
	}
	sinks = append(sinks, opts.AuditSinks...)

	p.auditLogger = audit.NewLogger(sinks, audit.Config{
		QueueSize:     cfg.QueueSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	})
}

// initGateway builds the gateway facade.
func (p *Platform) initGateway() error {
	gw, err := gateway.New(gateway.Config{
		Rules:     p.rules,
		Sessions:  p.sessions,
		Limiter:   p.limiter,
		Sanitizer: p.sanitizer,
		Audit:     p.auditLogger,
		Clock:     p.clock,
	})
	if err != nil {
		return err
	}
	p.gateway = gw
	return nil
}

// registerLifecycle registers start and stop hooks. The database closes
// last so the audit logger can drain into it.
func (p *Platform) registerLifecycle() {
	if p.ownsDB {
		p.lifecycle.RegisterCloser("database", p.db)
	}

	if store, ok := p.sessions.(cleanupRoutine); ok {
		p.lifecycle.Append("session cleanup", startCleanup(store, p.config.Session.CleanupInterval), closeHook(store))
	}
	p.lifecycle.Append("rate limit cleanup", startCleanup(p.limiter, p.limiter.Config().IdleTTL), closeHook(p.limiter))
	if p.auditStore != nil {
		p.lifecycle.Append("audit retention", startCleanup(p.auditStore, auditCleanupInterval), closeHook(p.auditStore))
	}

	p.lifecycle.RegisterCloser("audit logger", p.auditLogger)

	p.lifecycle.Append("health",
		func(context.Context) error {
			p.health.SetReady()
			return nil
		},
		func(context.Context) error {
			p.health.SetDraining()
			return nil
		})
}

func startCleanup(r cleanupRoutine, interval time.Duration) func(context.Context) error {
	return func(context.Context) error {
		r.StartCleanupRoutine(interval)
		return nil
	}
}

func closeHook(c Closer) func(context.Context) error {
	return func(context.Context) error {
		return c.Close()
	}
}

// Start starts the platform.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}
	slog.Info("gateway started",
		"session_store", p.config.Session.Store,
		"audit_store", p.config.Audit.Store)
	return nil
}

// Stop stops the platform.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Config returns the gateway configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Gateway returns the security gateway.
func (p *Platform) Gateway() *gateway.Gateway {
	return p.gateway
}

// Health returns the health checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// AuditLogger returns the asynchronous audit logger.
func (p *Platform) AuditLogger() *audit.Logger {
	return p.auditLogger
}

// AuditQuerier returns the durable audit store when configured, or the
// in-memory ring otherwise.
func (p *Platform) AuditQuerier() audit.Querier {
	if p.auditStore != nil {
		return p.auditStore
	}
	return p.auditMemory
}

// RecentAudit returns up to n of the newest audit entries held in memory.
func (p *Platform) RecentAudit(n int) []audit.Entry {
	return p.auditMemory.Recent(n)
}

// closeResource closes a resource and appends any error.
func closeResource(errs *[]error, closer Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		*errs = append(*errs, err)
	}
}

// closeUnstarted releases resources created before a failed or skipped start.
func (p *Platform) closeUnstarted() error {
	var errs []error
	if p.auditLogger != nil {
		closeResource(&errs, p.auditLogger)
	}
	if p.ownsDB && p.db != nil {
		closeResource(&errs, p.db)
	}
	return errors.Join(errs...)
}

// Close stops the platform if it was started, and otherwise releases the
// resources New acquired.
func (p *Platform) Close() error {
	var err error
	if p.lifecycle.IsStarted() {
		err = p.Stop(context.Background())
	} else {
		err = p.closeUnstarted()
	}
	if err != nil {
		return fmt.Errorf("closing platform: %w", err)
	}
	return nil
}
