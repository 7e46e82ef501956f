package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrWindowExceeded is matched by *WindowExceededError.
var ErrWindowExceeded = errors.New("rate limit exceeded")

// Scope names the window that rejected a request.
type Scope string

// Window scopes.
const (
	ScopeSession Scope = "session"
	ScopeBurst   Scope = "burst"
	ScopeGlobal  Scope = "global"
	ScopeCommand Scope = "command"
)

// WindowExceededError reports a rejected request. RetryAfter is the time
// until the latest-ending exceeded window rolls over.
type WindowExceededError struct {
	Scope      Scope
	RetryAfter time.Duration
}

// Error implements error.
func (e *WindowExceededError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %s", e.Scope, e.RetryAfter)
}

// Is reports whether target is ErrWindowExceeded.
func (*WindowExceededError) Is(target error) bool {
	return target == ErrWindowExceeded
}
