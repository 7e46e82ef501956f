// Package policy provides the command authorization table consulted by the
// gateway. The table is built once at startup and is immutable afterwards;
// commands absent from it are denied.
package policy

// Kind classifies a rule. The set is closed.
type Kind int

const (
	// KindPermission admits the command for sessions at or above MinPermission.
	KindPermission Kind = iota

	// KindBlocked denies the command for every session.
	KindBlocked
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if k == KindBlocked {
		return "blocked"
	}
	return "permission"
}

// Rule describes how a single command is authorized.
type Rule struct {
	// Name is the canonical command name.
	Name string `json:"name" yaml:"name"`

	// MinPermission is the lowest level allowed to run the command.
	MinPermission Level `json:"min_permission" yaml:"min_permission"`

	// Blocked denies the command regardless of level.
	Blocked bool `json:"blocked,omitempty" yaml:"blocked,omitempty"`

	// RateLimitPerMinute is an optional per-session cap for this command.
	// Zero means only the session and global limits apply.
	RateLimitPerMinute int `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"`

	// Aliases are alternative names resolving to this rule.
	Aliases []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`

	// Description is informational.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Kind returns the rule's classification.
func (r Rule) Kind() Kind {
	if r.Blocked {
		return KindBlocked
	}
	return KindPermission
}

// DefaultRules returns the builtin command table of the desktop application.
func DefaultRules() []Rule {
	return []Rule{
		// Read-only information, available to every session.
		{Name: "get_app_info", MinPermission: LevelBasic, Aliases: []string{"app.info"}},
		{Name: "get_app_version", MinPermission: LevelBasic, Aliases: []string{"get_version"}},
		{Name: "get_system_info", MinPermission: LevelBasic},
		{Name: "check_system_status", MinPermission: LevelBasic, Aliases: []string{"health_check"}},
		{Name: "ping", MinPermission: LevelBasic},
		{Name: "get_public_config", MinPermission: LevelBasic},
		{Name: "get_settings", MinPermission: LevelBasic},
		{Name: "get_window_state", MinPermission: LevelBasic},
		{Name: "list_containers", MinPermission: LevelBasic},
		{Name: "get_swarm_status", MinPermission: LevelBasic},
		{Name: "get_task_results", MinPermission: LevelBasic},
		{Name: "retrieve_memory", MinPermission: LevelBasic},

		// Local state changes.
		{Name: "save_settings", MinPermission: LevelElevated, RateLimitPerMinute: 30},
		{Name: "save_window_state", MinPermission: LevelElevated},
		{Name: "create_project", MinPermission: LevelElevated},
		{Name: "file_operations", MinPermission: LevelElevated, RateLimitPerMinute: 120},
		{Name: "store_memory", MinPermission: LevelElevated},
		{Name: "initialize_swarm", MinPermission: LevelElevated},
		{Name: "execute_task", MinPermission: LevelElevated},
		{Name: "spawn_agent", MinPermission: LevelElevated},
		{Name: "scale_swarm", MinPermission: LevelElevated},
		{Name: "get_container_logs", MinPermission: LevelElevated},

		// System-level operations.
		{Name: "system.execute", MinPermission: LevelAdmin},
		{Name: "install_update", MinPermission: LevelAdmin},
		{Name: "modify_security_settings", MinPermission: LevelAdmin},
		{Name: "manage_users", MinPermission: LevelAdmin},
		{Name: "destroy_swarm", MinPermission: LevelAdmin},
		{Name: "create_container", MinPermission: LevelAdmin},
		{Name: "stop_container", MinPermission: LevelAdmin},
		{Name: "remove_container", MinPermission: LevelAdmin},
		{Name: "exec_in_container", MinPermission: LevelAdmin, RateLimitPerMinute: 10},

		// Never reachable from the UI.
		{Name: "execute_system_command", MinPermission: LevelAdmin, Blocked: true},
		{Name: "read_sensitive_files", MinPermission: LevelAdmin, Blocked: true},
		{Name: "modify_system_settings", MinPermission: LevelAdmin, Blocked: true},
	}
}
