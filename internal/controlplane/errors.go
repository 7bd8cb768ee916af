package controlplane

import (
	"errors"
	"fmt"
)

// TransientError covers network failures and 5xx responses that survived the
// client's internal retries. Callers fall back to cached state.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("controlplane: %s: transient http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("controlplane: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError means the shared secret was missing or rejected. It is fatal at
// startup and never retried.
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("controlplane: %s: credential rejected (http %d)", e.Op, e.Status)
}

// ValidationError marks a malformed remote payload. The update is rejected
// and the previous cached value stays in effect.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("controlplane: %s: invalid payload: %s", e.Op, e.Reason)
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
