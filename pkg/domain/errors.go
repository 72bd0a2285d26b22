package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrNotConnected is returned when an operation needs a live transport
	ErrNotConnected = errors.New("not connected")

	// ErrNotAuthenticated is returned when the credential provider reports no session
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidPayload is returned when an event payload fails validation
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnknownEvent is returned when decoding an event outside the vocabulary
	ErrUnknownEvent = errors.New("unknown event")

	// ErrConnectionClosed is returned when trying to use a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTransportUnavailable is returned when no configured transport could open
	ErrTransportUnavailable = errors.New("no transport available")
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, cause error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func invalid(event EventName, message string) error {
	return NewDomainError(ErrCodeInvalid, string(event)+": "+message, ErrInvalidPayload)
}

// Error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalid      = "INVALID"
	ErrCodeInternal     = "INTERNAL"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeTimeout      = "TIMEOUT"
)
