package gateway

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/txn2/ipc-gateway/pkg/sanitize"
)

// Kind is the outcome class of a validation.
type Kind int

const (
	// KindAllow lets the dispatch layer invoke the handler.
	KindAllow Kind = iota

	// KindDeniedPolicy means the command is unknown, blocked or above the
	// session's level.
	KindDeniedPolicy

	// KindDeniedSession means the session is unknown, revoked or expired.
	KindDeniedSession

	// KindDeniedInput means the payload was rejected by the sanitizer.
	KindDeniedInput

	// KindRateLimited means a rate window is exhausted.
	KindRateLimited
)

var kindNames = [...]string{
	KindAllow:         "allow",
	KindDeniedPolicy:  "denied_policy",
	KindDeniedSession: "denied_session",
	KindDeniedInput:   "denied_input",
	KindRateLimited:   "rate_limited",
}

// Kinds lists every decision kind.
func Kinds() []Kind {
	return []Kind{KindAllow, KindDeniedPolicy, KindDeniedSession, KindDeniedInput, KindRateLimited}
}

// String returns the wire name of k.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText encodes k by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Decision is the immutable result of one Validate call.
//
// Reason and Err carry diagnostic detail, including matched patterns, for the
// audit trail. Only PublicMessage is safe to show to the UI.
type Decision struct {
	Kind       Kind
	Reason     string
	RetryAfter time.Duration
	Err        error
}

// Allowed reports whether the command may run.
func (d Decision) Allowed() bool {
	return d.Kind == KindAllow
}

// PublicMessage returns a message for the UI that never echoes payload
// content or matched patterns.
func (d Decision) PublicMessage() string {
	switch d.Kind {
	case KindAllow:
		return ""
	case KindDeniedPolicy:
		return "command not permitted"
	case KindDeniedSession:
		return "session is not valid"
	case KindDeniedInput:
		if errors.Is(d.Err, sanitize.ErrPayloadTooLarge) {
			return "payload too large"
		}
		return "invalid input"
	case KindRateLimited:
		return fmt.Sprintf("rate limit exceeded, retry after %ds", retrySeconds(d.RetryAfter))
	default:
		return "request denied"
	}
}

// retrySeconds rounds up so that a client waiting the advertised time is
// admitted.
func retrySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func allow() Decision {
	return Decision{Kind: KindAllow}
}

func deny(kind Kind, err error) Decision {
	return Decision{Kind: kind, Reason: err.Error(), Err: err}
}
