package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyMessage is returned when a caller sends a blank message.
var ErrEmptyMessage = errors.New("message is empty")

// ThrottledError rejects a call made before the minimum request interval elapsed.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled: retry after %s", e.RetryAfter)
}

// BusyError rejects a call while another call on the same dispatcher is in flight.
type BusyError struct{}

func (e *BusyError) Error() string {
	return "busy: a request is already in flight"
}

// CircuitOpenError rejects a call because the circuit breaker is open.
type CircuitOpenError struct {
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open: retry after %s", e.RetryAfter)
	}
	return "circuit open"
}

// TimeoutError reports a call that exceeded its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// TransportError reports a failure to reach or read from the backend.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError reports a response the backend marked as failed.
type ServerError struct {
	Status  int
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error [%d %s]: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server error [%d]: %s", e.Status, e.Message)
}

// Retryable reports whether the status indicates a transient backend condition.
func (e *ServerError) Retryable() bool {
	return e.Status >= 500 || e.Status == 429 || e.Status == 408
}

// SessionInvalidError reports that the backend no longer recognises the session,
// or that the session was superseded locally while the call was in flight.
type SessionInvalidError struct {
	SessionID  string
	Superseded bool
	Err        error
}

func (e *SessionInvalidError) Error() string {
	if e.Superseded {
		return fmt.Sprintf("session %s superseded", e.SessionID)
	}
	if e.Err != nil {
		return fmt.Sprintf("session %s invalid: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("session %s invalid", e.SessionID)
}

func (e *SessionInvalidError) Unwrap() error {
	return e.Err
}

// IsImmediateRejection reports errors returned before any transport attempt.
// These have no side effects and are safe to retry later.
func IsImmediateRejection(err error) bool {
	var throttled *ThrottledError
	var busy *BusyError
	var open *CircuitOpenError
	return errors.As(err, &throttled) || errors.As(err, &busy) || errors.As(err, &open)
}

// IsRetryable reports whether a transport attempt that failed with err may be repeated.
func IsRetryable(err error) bool {
	var timeout *TimeoutError
	var transport *TransportError
	var server *ServerError
	switch {
	case errors.As(err, &timeout), errors.As(err, &transport):
		return true
	case errors.As(err, &server):
		return server.Retryable()
	default:
		return false
	}
}

// IsBackendFault reports whether err says the backend itself is unhealthy,
// as opposed to rejecting a well-formed request.
func IsBackendFault(err error) bool {
	return IsRetryable(err)
}

// Kind returns a stable short name for the error's taxonomy class.
func Kind(err error) string {
	var (
		throttled *ThrottledError
		busy      *BusyError
		open      *CircuitOpenError
		timeout   *TimeoutError
		transport *TransportError
		server    *ServerError
		session   *SessionInvalidError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &throttled):
		return "throttled"
	case errors.As(err, &busy):
		return "busy"
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &session):
		return "session_invalid"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &server):
		return "server"
	case errors.Is(err, ErrEmptyMessage):
		return "invalid_request"
	default:
		return "internal"
	}
}
