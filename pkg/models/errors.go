package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers test with errors.Is.
var (
	// ErrNotFound means the session, batch or remote resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition means the requested lifecycle change is not allowed.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrValidation means the caller sent something the remote or nightwatch rejected.
	ErrValidation = errors.New("validation error")
	// ErrRateLimited means a token bucket or quota is exhausted. Queue or back off.
	ErrRateLimited = errors.New("rate limited")
	// ErrCircuitOpen means the breaker is failing calls fast.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRemoteUnavailable means a network failure, timeout or 5xx.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrInternalInconsistency should never happen; the operation is aborted.
	ErrInternalInconsistency = errors.New("internal inconsistency")
	// ErrSessionBusy means another action on the same session is in flight.
	ErrSessionBusy = errors.New("session busy")
)

// RemoteError describes a failed call to an external API.
type RemoteError struct {
	// Op is the logical operation, e.g. "createSession".
	Op string
	// StatusCode is the HTTP status, zero for transport failures.
	StatusCode int
	// Kind is one of the taxonomy sentinels.
	Kind error
	// Message is the remote's error text, trimmed.
	Message string
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %v (%d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
}

// Unwrap exposes the taxonomy kind.
func (e *RemoteError) Unwrap() error {
	return e.Kind
}

// KindForStatus maps an HTTP status code onto the taxonomy.
// It returns nil for 2xx codes.
func KindForStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 404:
		return ErrNotFound
	case code == 429:
		return ErrRateLimited
	case code == 408:
		return ErrRemoteUnavailable
	case code >= 400 && code < 500:
		return ErrValidation
	default:
		return ErrRemoteUnavailable
	}
}

// IsTransient reports whether err means "try again later": rate limited or circuit open.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCircuitOpen)
}

// Code returns a short machine name for the error's taxonomy kind.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRemoteUnavailable):
		return "remote_unavailable"
	case errors.Is(err, ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, ErrInternalInconsistency):
		return "internal_inconsistency"
	default:
		return "internal"
	}
}
