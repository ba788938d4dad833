package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: an external process that timed out.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: a connected output that was never computed, an invalid connection.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// The Code field is the discriminated error kind; callers switch on it
// instead of parsing messages.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the port path or component name that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Error codes.
const (
	ErrCodeValidation                 = "VALIDATION_ERROR"
	ErrCodeNotFound                   = "NOT_FOUND"
	ErrCodeAlreadyExists              = "ALREADY_EXISTS"
	ErrCodeTimeout                    = "TIMEOUT"
	ErrCodeInternal                   = "INTERNAL_ERROR"
	ErrCodeConnectedOutputNotComputed = "CONNECTED_OUTPUT_NOT_COMPUTED"
	ErrCodeDuplicateDestination       = "DUPLICATE_DESTINATION"
	ErrCodeUpstreamInvalid            = "UPSTREAM_INVALID"
	ErrCodeCycle                      = "CYCLE"
	ErrCodeSchemaSealed               = "SCHEMA_SEALED"
	ErrCodeComputeFailed              = "COMPUTE_FAILED"
	ErrCodeNonZeroExit                = "NON_ZERO_EXIT"
	ErrCodeNullCommand                = "NULL_COMMAND"
	ErrCodeInterrupted                = "INTERRUPTED"
)

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsConnectedOutputNotComputed reports whether err is a postcondition violation.
func IsConnectedOutputNotComputed(err error) bool {
	return IsCode(err, ErrCodeConnectedOutputNotComputed)
}

// IsDuplicateDestination reports whether err is a rejected second source for an input.
func IsDuplicateDestination(err error) bool {
	return IsCode(err, ErrCodeDuplicateDestination)
}

// NewConnectedOutputNotComputedError builds the postcondition violation raised
// when a pass leaves a connected output invalid.
func NewConnectedOutputNotComputedError(component, output string, invocation int) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("%s (pass %d): output '%s' is connected to something in your model, but was not calculated during execution",
			component, invocation, output),
		nil,
	).WithCode(ErrCodeConnectedOutputNotComputed).
		WithResource(PortRef{Component: component, Name: output}.String()).
		WithOperation("run").
		WithDetail("component", component).
		WithDetail("output", output).
		WithDetail("invocation", invocation)
}

// NewDuplicateDestinationError builds the error returned when an input already has a different source.
func NewDuplicateDestinationError(dst, existing, requested PortRef) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("'%s' is already connected to source '%s'", dst, existing),
		nil,
	).WithCode(ErrCodeDuplicateDestination).
		WithResource(dst.String()).
		WithOperation("connect").
		WithDetail("existing_source", existing.String()).
		WithDetail("requested_source", requested.String())
}
