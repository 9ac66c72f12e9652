package service

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable marks a transient pull failure. The pass aborts
	// without advancing the cursor and the account is retried next tick.
	ErrProviderUnavailable = errors.New("change provider unavailable")

	// ErrCursorInvalid marks a stale or expired cursor. The coordinator
	// resets the cursor and restarts from the beginning of retained history.
	ErrCursorInvalid = errors.New("change cursor invalid")

	// ErrAuthExpired marks a rejected credential. Callers force one token
	// refresh and retry once; a second rejection escalates.
	ErrAuthExpired = errors.New("authorization expired")
)

// FailureKind classifies a send failure. The dispatcher retries transient
// failures with backoff and abandons permanent ones immediately.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// SendError is the closed failure variant returned by the external send
// capability.
type SendError struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("send failed (%s, status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("send failed (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
