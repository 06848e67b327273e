// Package errors provides structured error types for the pooled PSN client.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - Error codes for categorizing failures at the command line and in logs
//   - RemoteError for failures reported by the PSN service itself
//   - Classify, which folds any error into the outcome classes callers act
//     upon: success, exhaustion, timeout, invalid input and remote failure
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error codes for categorizing errors.
const (
	CodeInternal      = 1000 // Internal error
	CodeInvalidInput  = 1001 // Invalid caller input
	CodeConfiguration = 1002 // Configuration error

	CodeExhausted = 1100 // No resource idle and none could be built
	CodeTimeout   = 1101 // Waiting for a resource timed out
	CodeClosed    = 1102 // Pool or client is closed

	CodeAuth = 1200 // Token exchange failed

	CodeRemote      = 1300 // PSN returned an error
	CodeRateLimited = 1301 // PSN throttled the request
	CodeConnection  = 1302 // Transport failure talking to PSN or a proxy
	CodeNotFound    = 1303 // PSN reported the resource missing
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates the credentials were rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrExhausted indicates no resource was available and none could be made.
	ErrExhausted = errors.New("resources exhausted")

	// ErrRateLimited indicates a rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrRemote indicates the remote service reported a failure.
	ErrRemote = errors.New("remote error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Authentication errors
var (
	// ErrInvalidNPSSO indicates the npsso code was rejected by the OAuth endpoint.
	ErrInvalidNPSSO = fmt.Errorf("auth: npsso %w", ErrUnauthorized)

	// ErrInvalidRefresh indicates the refresh token was rejected.
	ErrInvalidRefresh = fmt.Errorf("auth: refresh token %w", ErrUnauthorized)

	// ErrNoCredentials indicates neither an npsso nor a refresh token was set.
	ErrNoCredentials = fmt.Errorf("auth: no credentials: %w", ErrInvalidInput)
)

// Error is a structured error with a code and safe message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap wraps an existing error with a code and safe message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf maps an error to its error code.
func CodeOf(err error) int {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Code
	}

	switch {
	case errors.Is(err, ErrExhausted):
		return CodeExhausted
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrUnauthorized):
		return CodeAuth
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRemote):
		return CodeRemote
	case errors.Is(err, ErrConnection), errors.Is(err, ErrCircuitOpen):
		return CodeConnection
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	default:
		return CodeInternal
	}
}

// RemoteError is a failure reported by PSN, decoded from the
// {"error":{"code":...,"message":...}} body when one is present.
type RemoteError struct {
	// Status is the HTTP status code of the response.
	Status int `json:"status"`
	// Code is PSN's own error code, zero when the body carried none.
	Code int `json:"code"`
	// Message is PSN's error message or the response status text.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("psn: status %d code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("psn: status %d: %s", e.Status, e.Message)
}

// Unwrap exposes ErrRemote plus the sentinel matching the status.
func (e *RemoteError) Unwrap() []error {
	errs := []error{ErrRemote}
	switch e.Status {
	case http.StatusTooManyRequests:
		errs = append(errs, ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		errs = append(errs, ErrUnauthorized)
	case http.StatusNotFound:
		errs = append(errs, ErrNotFound)
	}
	return errs
}

// ParseRemote builds a RemoteError from a non-2xx response. The body is
// decoded as PSN's error envelope when it is one; otherwise the status
// text is used.
func ParseRemote(status int, body []byte) *RemoteError {
	remote := &RemoteError{Status: status, Message: http.StatusText(status)}

	var envelope struct {
		Error json.RawMessage `json:"error"`
		// OAuth responses use flat fields next to a string "error".
		ErrorCode        int    `json:"error_code"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return remote
	}

	var inner struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &inner) == nil && inner.Message != "" {
		remote.Code = inner.Code
		remote.Message = inner.Message
		return remote
	}
	if envelope.ErrorDescription != "" {
		remote.Code = envelope.ErrorCode
		remote.Message = envelope.ErrorDescription
	}
	return remote
}

// Class is the outcome class of an operation.
type Class int

const (
	// ClassSuccess means the operation succeeded.
	ClassSuccess Class = iota
	// ClassExhausted means no resource was idle and none could be built.
	ClassExhausted
	// ClassTimeout means the caller gave up waiting for a resource.
	ClassTimeout
	// ClassRemote means the call reached PSN (or tried to) and failed.
	ClassRemote
	// ClassInvalid means the input was rejected before any resource was leased.
	ClassInvalid
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassExhausted:
		return "exhaustion"
	case ClassTimeout:
		return "timeout"
	case ClassRemote:
		return "remote"
	case ClassInvalid:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Classify folds err into an outcome class. A closed pool counts as
// exhaustion and context cancellation as timeout. Invalid input only counts
// as such when no pool wrapped it; anything else is a remote failure.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassSuccess
	case errors.Is(err, ErrExhausted), errors.Is(err, ErrClosed):
		return ClassExhausted
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrInvalidInput):
		return ClassInvalid
	default:
		return ClassRemote
	}
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized returns true if the error indicates rejected credentials.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsExhausted returns true if the error indicates resource exhaustion.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}

// IsRateLimited returns true if the error indicates rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsRemote returns true if the error was reported by PSN.
func IsRemote(err error) bool {
	return errors.Is(err, ErrRemote)
}
