package bundler

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// Transient covers network errors, DB serialization failures, gateway 5xx
	// and timeouts. The queue's redelivery machinery owns the retry.
	Transient
	// BadInput is a malformed data item or request; never retried.
	BadInput
	// InsufficientFunds means the wallet balance can't cover a bundle reward.
	// Retryable; the pipeline stalls on the bundle until funded.
	InsufficientFunds
	// MissingArtifact means the object store lost a blob the pipeline needs.
	MissingArtifact
	// AlreadyAdvanced means a promotion found the row past the expected state.
	// Callers treat it as success.
	AlreadyAdvanced
	// NotFound means the row or blob does not exist at all.
	NotFound
	// Irrecoverable failures are logged and acked; no state can be salvaged.
	Irrecoverable
)

// Error is the pipeline's custom error carrying a machine readable code.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Sprintf("error code: %d, user data: %v, details: %v", e.Code, e.UserData, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

func codeOf(err error) (ErrorCode, bool) {
	var e Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return Unknown, false
}

// IsTransient reports whether err should be handed back to the queue for
// redelivery with backoff.
func IsTransient(err error) bool {
	c, ok := codeOf(err)
	return ok && (c == Transient || c == InsufficientFunds)
}

// IsAlreadyAdvanced reports whether err is a replayed promotion no-op.
func IsAlreadyAdvanced(err error) bool {
	c, ok := codeOf(err)
	return ok && c == AlreadyAdvanced
}

// IsNotFound reports whether err marks an absent row or blob.
func IsNotFound(err error) bool {
	c, ok := codeOf(err)
	return ok && c == NotFound
}
