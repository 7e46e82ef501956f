package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Level is the ordered capability tier a session holds.
// The zero value is LevelBasic.
type Level int

const (
	// LevelBasic is the default tier granted to every session.
	LevelBasic Level = iota

	// LevelElevated unlocks commands that mutate local state.
	LevelElevated

	// LevelAdmin unlocks system-level commands.
	LevelAdmin
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelElevated:
		return "elevated"
	case LevelAdmin:
		return "admin"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= LevelBasic && l <= LevelAdmin
}

// Satisfies reports whether a session holding l may run a command requiring required.
func (l Level) Satisfies(required Level) bool {
	return l >= required
}

// ParseLevel parses a level name (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return LevelBasic, nil
	case "elevated":
		return LevelElevated, nil
	case "admin":
		return LevelAdmin, nil
	default:
		return LevelBasic, fmt.Errorf("unknown permission level: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid permission level: %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *Level) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("decoding permission level: %w", err)
	}
	return l.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler.
func (l Level) MarshalYAML() (any, error) {
	text, err := l.MarshalText()
	if err != nil {
		return nil, err
	}
	return string(text), nil
}
