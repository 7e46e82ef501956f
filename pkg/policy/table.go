package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Table is an immutable command rule table. It is safe for concurrent use
// because nothing mutates it after NewTable returns.
type Table struct {
	rules   map[string]*Rule
	aliases map[string]string
	count   int
}

// NewTable builds a table from rules. Names and aliases must be unique and non-empty.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{
		rules:   make(map[string]*Rule, len(rules)),
		aliases: make(map[string]string),
	}

	for i := range rules {
		r := rules[i]
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: command name is required", i)
		}
		if !r.MinPermission.Valid() {
			return nil, fmt.Errorf("rule %s: invalid permission level %d", r.Name, int(r.MinPermission))
		}
		if r.RateLimitPerMinute < 0 {
			return nil, fmt.Errorf("rule %s: rate_limit_per_minute must not be negative", r.Name)
		}
		if t.taken(r.Name) {
			return nil, fmt.Errorf("rule %s: duplicate command name", r.Name)
		}
		r.Aliases = append([]string(nil), r.Aliases...)
		t.rules[r.Name] = &r
	}

	for name, r := range t.rules {
		for _, alias := range r.Aliases {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				return nil, fmt.Errorf("rule %s: empty alias", name)
			}
			if t.taken(alias) {
				return nil, fmt.Errorf("rule %s: alias %s collides with an existing name", name, alias)
			}
			t.aliases[alias] = name
		}
	}

	t.count = len(t.rules)
	return t, nil
}

// MustNewTable is like NewTable but panics on error. Intended for builtin tables.
func MustNewTable(rules []Rule) *Table {
	t, err := NewTable(rules)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) taken(name string) bool {
	if _, ok := t.rules[name]; ok {
		return true
	}
	_, ok := t.aliases[name]
	return ok
}

// Lookup returns a copy of the rule for name, resolving aliases.
func (t *Table) Lookup(name string) (Rule, bool) {
	if canonical, ok := t.aliases[name]; ok {
		name = canonical
	}
	r, ok := t.rules[name]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// Authorize decides whether a session holding level may run command.
func (t *Table) Authorize(command string, level Level) error {
	rule, ok := t.Lookup(command)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}

	switch rule.Kind() {
	case KindBlocked:
		return fmt.Errorf("%w: %s", ErrBlocked, rule.Name)
	case KindPermission:
		if !level.Satisfies(rule.MinPermission) {
			return &InsufficientPermissionError{
				Command:  rule.Name,
				Required: rule.MinPermission,
				Held:     level,
			}
		}
	}
	return nil
}

// Available returns copies of the rules a session holding level may run,
// sorted by name. Blocked rules are never included.
func (t *Table) Available(level Level) []Rule {
	out := make([]Rule, 0, len(t.rules))
	for _, r := range t.rules {
		if r.Blocked || !level.Satisfies(r.MinPermission) {
			continue
		}
		c := *r
		c.Aliases = append([]string(nil), r.Aliases...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of canonical commands.
func (t *Table) Len() int {
	return t.count
}

// Counts returns the number of commands per classification: "blocked" and
// one entry per minimum level.
func (t *Table) Counts() map[string]int {
	counts := make(map[string]int)
	for _, r := range t.rules {
		if r.Blocked {
			counts[KindBlocked.String()]++
			continue
		}
		counts[r.MinPermission.String()]++
	}
	return counts
}
