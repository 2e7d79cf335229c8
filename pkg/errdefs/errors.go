package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the delivery core. Callers match with errors.Is and
// map them to transport-level responses (HTTP status, websocket error
// events) at the edge.
var (
	// ErrAuthentication means the presented token was missing, malformed
	// or failed verification. The connection is refused and not retried.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization means the caller attempted an operation against a
	// room/pair it has not joined or does not belong to.
	ErrAuthorization = errors.New("not authorized for this room")

	// ErrValidation means the payload was malformed or violated a limit.
	ErrValidation = errors.New("invalid payload")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPersistence wraps store I/O failures surfaced to in-path callers.
	ErrPersistence = errors.New("persistence failure")
)

// RateLimitError reports an admission denial together with client backoff
// hints. Remaining and ResetAfter describe the bucket; Lockout is non-zero
// when the participant is in violation backoff, in which case all
// categories are denied until it elapses.
type RateLimitError struct {
	Category   string
	Remaining  int
	ResetAfter time.Duration
	Lockout    time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Lockout > 0 {
		return fmt.Sprintf("rate limit exceeded for %s: locked out for %s", e.Category, e.Lockout)
	}
	return fmt.Sprintf("rate limit exceeded for %s: %d remaining, resets in %s", e.Category, e.Remaining, e.ResetAfter)
}
