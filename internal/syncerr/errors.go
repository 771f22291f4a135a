// Package syncerr defines the error taxonomy surfaced by the reconciliation core.
// Every concrete error matches a sentinel through errors.Is so callers can branch
// on the category without type assertions.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork matches failures where the request never reached the server.
	ErrNetwork = errors.New("network error")
	// ErrConflict matches duplicate pending mutations and stale-version rejections.
	ErrConflict = errors.New("conflict")
	// ErrValidation matches payloads rejected by the server.
	ErrValidation = errors.New("validation error")
	// ErrServer matches 429 and 5xx responses that survived the retry budget.
	ErrServer = errors.New("server error")
	// ErrMalformedEvent matches realtime events that could not be decoded.
	ErrMalformedEvent = errors.New("malformed event")
)

// NetworkError wraps a transport failure. Retryable.
type NetworkError struct {
	Operation string
	Err       error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network error during %s", e.Operation)
	}
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// Code returns the machine-readable error code.
func (e *NetworkError) Code() string {
	return "network_error"
}

// ConflictError reports a duplicate pending mutation or a server-side stale-version rejection.
type ConflictError struct {
	Kind     string
	EntityID string
	Reason   string
}

func (e *ConflictError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "conflict"
	}
	if e.EntityID == "" {
		return reason
	}
	return fmt.Sprintf("%s for %s %s", reason, e.Kind, e.EntityID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Code returns the machine-readable error code.
func (e *ConflictError) Code() string {
	return "conflict"
}

// ValidationError carries the server's machine-readable rejection.
type ValidationError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Code returns the server error code, or a generic one when the server sent none.
func (e *ValidationError) Code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return "validation_error"
}

// ServerError reports a 429 or 5xx response after retries were exhausted.
type ServerError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *ServerError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServer
}

// Code returns the server error code, or a generic one when the server sent none.
func (e *ServerError) Code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return "server_error"
}

// MalformedEventError reports a realtime event that was dropped.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed event: %s", e.Reason)
	}
	return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

// Code returns the machine-readable error code.
func (e *MalformedEventError) Code() string {
	return "malformed_event"
}

// Retryable reports whether the caller may retry the same request unchanged:
// network failures and throttled (429) responses. Other server errors may
// have been applied and are not replayed blindly.
func Retryable(err error) bool {
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var server *ServerError
	return errors.As(err, &server) && server.StatusCode == http.StatusTooManyRequests
}

// Code extracts a machine-readable code from any error in the chain.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "unknown"
}
