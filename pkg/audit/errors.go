package audit

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("audit logger closed")

// InvalidDimensionError reports an unsupported breakdown dimension.
type InvalidDimensionError struct {
	Dimension BreakdownDimension
}

// Error implements error.
func (e *InvalidDimensionError) Error() string {
	return fmt.Sprintf("invalid breakdown dimension: %q", e.Dimension)
}
