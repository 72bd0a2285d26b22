package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType int

const (
	// ErrorTypeTransport indicates a connect failure, timeout or mid-session drop
	ErrorTypeTransport ErrorType = iota
	// ErrorTypeProtocol indicates a frame that could not be encoded or decoded
	ErrorTypeProtocol
	// ErrorTypeValidation indicates a malformed event payload
	ErrorTypeValidation
	// ErrorTypeMisuse indicates a programmer error such as emitting while offline
	ErrorTypeMisuse
	// ErrorTypeConstruction indicates the transport could not be built
	ErrorTypeConstruction
	// ErrorTypeUnauthorized indicates an authorization error
	ErrorTypeUnauthorized
	// ErrorTypeTimeout indicates a timeout error
	ErrorTypeTimeout
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal
)

// Error represents a structured error with metadata
type Error struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Details != "" {
			return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Message, e.Details, e.Cause)
		}
		return fmt.Sprintf("[%s] %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// TypeOf returns the ErrorType of err, or ErrorTypeInternal when err is not
// a structured error.
func TypeOf(err error) ErrorType {
	var e *Error
	if As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// Error codes
const (
	CodeDial           = "DIAL_ERROR"
	CodeHandshake      = "HANDSHAKE_ERROR"
	CodeConnectError   = "CONNECT_ERROR"
	CodeConnectTimeout = "CONNECT_TIMEOUT"
	CodeTransportDrop  = "TRANSPORT_DROP"
	CodeConstruct      = "CONSTRUCT_ERROR"
	CodeNotConnected   = "NOT_CONNECTED"
	CodeMarshal        = "MARSHAL_ERROR"
	CodeUnmarshal      = "UNMARSHAL_ERROR"
	CodeSendBuffer     = "SEND_BUFFER_FULL"
	CodeInvalidEvent   = "INVALID_EVENT"
	CodeReconnectFail  = "RECONNECT_FAILED"
	CodeListenerPanic  = "LISTENER_PANIC"
)
