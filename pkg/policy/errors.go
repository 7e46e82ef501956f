package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCommand is returned for command names absent from the rule table.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrBlocked is returned for commands that are explicitly blocked.
	ErrBlocked = errors.New("command is blocked")

	// ErrInsufficientPermission is matched by *InsufficientPermissionError.
	ErrInsufficientPermission = errors.New("insufficient permission")
)

// InsufficientPermissionError reports a command that needs a higher level
// than the session holds.
type InsufficientPermissionError struct {
	Command  string
	Required Level
	Held     Level
}

// Error implements error.
func (e *InsufficientPermissionError) Error() string {
	return fmt.Sprintf("insufficient permission for %s: requires %s, session holds %s",
		e.Command, e.Required, e.Held)
}

// Is reports whether target is ErrInsufficientPermission.
func (*InsufficientPermissionError) Is(target error) bool {
	return target == ErrInsufficientPermission
}
