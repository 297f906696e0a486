// Package fault defines the error classes shared across the backend.
// Components wrap their failures around these sentinels with fmt.Errorf
// and %w so that callers can branch on the class with errors.Is without
// depending on the package that produced the error.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks a store or relay endpoint that could not be
	// reached (connection refused, timeout, non-2xx). Transport failures
	// are the only class eligible for retry.
	ErrTransport = errors.New("transport failure")

	// ErrNotFound marks a lookup for an unknown session or user.
	// Never retried.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks rejected input (empty query, malformed
	// identity). Surfaced immediately, no side effects.
	ErrValidation = errors.New("invalid input")

	// ErrCorrelation marks a relay fetch that returned a message whose
	// id does not match the expected correlation key. Terminal for the
	// current turn, never retried.
	ErrCorrelation = errors.New("correlation mismatch")

	// ErrPartialWrite marks a mirror write that failed after the primary
	// store write succeeded. Logged only; the primary remains
	// authoritative.
	ErrPartialWrite = errors.New("partial write")
)

// Transport wraps err as a transport failure.
func Transport(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrTransport)
}

// Transportf builds a transport failure from a format string.
func Transportf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransport)...)
}

// NotFound builds a not-found error for the named entity.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// Validation builds a validation error with the given reason.
func Validation(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrValidation)
}

// Correlation builds a correlation-mismatch error.
func Correlation(topic, want, got string) error {
	return fmt.Errorf("topic %s: expected message %s, fetched %s: %w", topic, want, got, ErrCorrelation)
}

// Retryable reports whether err belongs to the transport class and may
// be retried with backoff. Semantic failures (not-found, validation,
// correlation mismatch) are never retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
