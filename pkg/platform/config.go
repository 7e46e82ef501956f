// Package platform loads gateway configuration and wires the security
// components together.
package platform

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/ipc-gateway/pkg/policy"
	"github.com/txn2/ipc-gateway/pkg/sanitize"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Transports.
const (
	TransportStdio = "stdio"
	TransportNone  = "none"
)

const (
	defaultSessionTimeoutSeconds = 86400
	defaultMaxFailures           = 5
	defaultRatePerMinute         = 100
	defaultBurstPerSecond        = 10
	defaultGlobalPerMinute       = 1000
	defaultCleanupInterval       = 10 * time.Minute
	defaultAuditQueueSize        = 4096
	defaultAuditBatchSize        = 128
	defaultAuditFlushInterval    = time.Second
	defaultAuditMemoryCapacity   = 1000
	defaultRetentionDays         = 90
	defaultMaxOpenConns          = 10
	defaultAdminAddress          = "127.0.0.1:8787"
)

// Config holds the complete gateway configuration.
type Config struct {
	Security SecurityConfig `yaml:"security"`
	Session  SessionConfig  `yaml:"session"`
	Audit    AuditConfig    `yaml:"audit"`
	Database DatabaseConfig `yaml:"database"`
	Admin    AdminConfig    `yaml:"admin"`
	Server   ServerConfig   `yaml:"server"`
}

// SecurityConfig holds the security core settings.
type SecurityConfig struct {
	SessionTimeoutSeconds   int `yaml:"session_timeout_seconds"`
	MaxFailuresBeforeRevoke int `yaml:"max_failures_before_revoke"`
	RateLimitPerMinute      int `yaml:"rate_limit_per_minute"`

	// RateBurstPerSecond and GlobalRateLimitPerMinute are disabled by a
	// negative value.
	RateBurstPerSecond       int `yaml:"rate_burst_per_second"`
	GlobalRateLimitPerMinute int `yaml:"global_rate_limit_per_minute"`

	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// DangerousPatterns are appended to the builtin denylist.
	DangerousPatterns []string `yaml:"dangerous_patterns"`

	// Commands replaces the builtin command table when non-empty.
	Commands []policy.Rule `yaml:"commands"`
}

// SessionTimeout returns the idle timeout as a duration.
func (s SecurityConfig) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutSeconds) * time.Second
}

// SessionConfig configures session storage.
type SessionConfig struct {
	Store           string        `yaml:"store"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AuditConfig configures audit logging.
type AuditConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MemoryCapacity int           `yaml:"memory_capacity"`
	LogEntries     bool          `yaml:"log_entries"`
	Store          string        `yaml:"store"`
	RetentionDays  int           `yaml:"retention_days"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AdminConfig configures the operator HTTP API.
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	APIKeys []AdminKeyDef `yaml:"api_keys"`
}

// AdminKeyDef is a named bcrypt hash of an admin API key.
type AdminKeyDef struct {
	Name    string `yaml:"name"`
	KeyHash string `yaml:"key_hash"`
}

// ServerConfig configures the dispatch transport.
type ServerConfig struct {
	Transport string `yaml:"transport"` // "stdio", "none"
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references and
// applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	sec := &cfg.Security
	if sec.SessionTimeoutSeconds == 0 {
		sec.SessionTimeoutSeconds = defaultSessionTimeoutSeconds
	}
	if sec.MaxFailuresBeforeRevoke == 0 {
		sec.MaxFailuresBeforeRevoke = defaultMaxFailures
	}
	if sec.RateLimitPerMinute == 0 {
		sec.RateLimitPerMinute = defaultRatePerMinute
	}
	if sec.RateBurstPerSecond == 0 {
		sec.RateBurstPerSecond = defaultBurstPerSecond
	}
	if sec.GlobalRateLimitPerMinute == 0 {
		sec.GlobalRateLimitPerMinute = defaultGlobalPerMinute
	}
	if sec.MaxPayloadBytes == 0 {
		sec.MaxPayloadBytes = sanitize.DefaultMaxPayloadBytes
	}

	if cfg.Session.Store == "" {
		cfg.Session.Store = StoreMemory
	}
	if cfg.Session.CleanupInterval == 0 {
		cfg.Session.CleanupInterval = defaultCleanupInterval
	}

	if cfg.Audit.QueueSize == 0 {
		cfg.Audit.QueueSize = defaultAuditQueueSize
	}
	if cfg.Audit.BatchSize == 0 {
		cfg.Audit.BatchSize = defaultAuditBatchSize
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = defaultAuditFlushInterval
	}
	if cfg.Audit.MemoryCapacity == 0 {
		cfg.Audit.MemoryCapacity = defaultAuditMemoryCapacity
	}
	if cfg.Audit.Store == "" {
		cfg.Audit.Store = StoreMemory
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = defaultRetentionDays
	}

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = defaultAdminAddress
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = TransportStdio
	}
}

// NeedsDatabase reports whether any component is backed by PostgreSQL.
func (c *Config) NeedsDatabase() bool {
	return c.Session.Store == StorePostgres || c.Audit.Store == StorePostgres
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	sec := c.Security
	if sec.SessionTimeoutSeconds < 0 {
		errs = append(errs, errors.New("security.session_timeout_seconds must be positive"))
	}
	if sec.MaxFailuresBeforeRevoke < 0 {
		errs = append(errs, errors.New("security.max_failures_before_revoke must be positive"))
	}
	if sec.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("security.rate_limit_per_minute must be positive"))
	}
	if sec.MaxPayloadBytes < 0 {
		errs = append(errs, errors.New("security.max_payload_bytes must be positive"))
	}
	for _, p := range sec.DangerousPatterns {
		if _, err := sanitize.CompilePattern(p); err != nil {
			errs = append(errs, fmt.Errorf("security.dangerous_patterns: %w", err))
		}
	}
	if len(sec.Commands) > 0 {
		if _, err := policy.NewTable(sec.Commands); err != nil {
			errs = append(errs, fmt.Errorf("security.commands: %w", err))
		}
	}

	if c.Session.CleanupInterval < 0 {
		errs = append(errs, errors.New("session.cleanup_interval must not be negative"))
	}
	if !validStore(c.Session.Store) {
		errs = append(errs, fmt.Errorf("session.store %q must be %q or %q", c.Session.Store, StoreMemory, StorePostgres))
	}
	if !validStore(c.Audit.Store) {
		errs = append(errs, fmt.Errorf("audit.store %q must be %q or %q", c.Audit.Store, StoreMemory, StorePostgres))
	}
	if c.NeedsDatabase() && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when a postgres store is configured"))
	}

	if c.Admin.Enabled {
		if len(c.Admin.APIKeys) == 0 {
			errs = append(errs, errors.New("admin.api_keys is required when admin is enabled"))
		}
		for i, k := range c.Admin.APIKeys {
			if k.Name == "" || k.KeyHash == "" {
				errs = append(errs, fmt.Errorf("admin.api_keys[%d]: name and key_hash are required", i))
			}
		}
	}

	switch c.Server.Transport {
	case TransportStdio, TransportNone:
	default:
		errs = append(errs, fmt.Errorf("server.transport %q must be %q or %q", c.Server.Transport, TransportStdio, TransportNone))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config validation errors: %w", err)
	}
	return nil
}

func validStore(s string) bool {
	return s == StoreMemory || s == StorePostgres
}
