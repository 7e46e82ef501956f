package sanitize

import (
	"errors"
	"fmt"
)

var (
	// ErrDangerousPattern is matched by *PatternError.
	ErrDangerousPattern = errors.New("dangerous pattern in payload")

	// ErrPayloadTooLarge is matched by *PayloadTooLargeError.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMalformedPayload is returned when the payload is not valid JSON.
	ErrMalformedPayload = errors.New("malformed payload")
)

// PatternError reports the first denylisted pattern found in a payload.
// Pattern is for audit review only and must not be shown to the UI.
type PatternError struct {
	Pattern   string
	FieldPath string
}

// Error implements error.
func (e *PatternError) Error() string {
	return fmt.Sprintf("dangerous pattern %q at %s", e.Pattern, e.FieldPath)
}

// Is reports whether target is ErrDangerousPattern.
func (*PatternError) Is(target error) bool {
	return target == ErrDangerousPattern
}

// PayloadTooLargeError reports a payload exceeding the configured ceiling.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

// Error implements error.
func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// Is reports whether target is ErrPayloadTooLarge.
func (*PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}
