package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing node configuration
	ErrValidation = errors.New("validation failed")

	// ErrNoHandler indicates that no handler is registered for a node type
	ErrNoHandler = errors.New("no handler for node type")

	// ErrDuplicateHandler indicates a second registration for the same node type
	ErrDuplicateHandler = errors.New("handler already registered for node type")

	// ErrUnknownOperator indicates a condition operator the evaluator does not know
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrMaxIterations indicates that a loop exceeded its iteration ceiling
	ErrMaxIterations = errors.New("maximum iterations exceeded")

	// ErrUnresolvedExpression indicates an expression that could not be resolved
	ErrUnresolvedExpression = errors.New("cannot resolve expression")

	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidMessage indicates that the message is invalid
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")
)

// Error represents a structured SDK error used by the transport layer
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new SDK error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInternalError creates an SDK error for infrastructure failures
func NewInternalError(message, code string, err error) *Error {
	return NewError(code, message, err)
}

// ValidationError reports malformed or missing configuration. It always fails the
// current node and is never retried.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error [%s]: %s", e.Field, e.Message)
	}
	return "validation error: " + e.Message
}

// Unwrap exposes the cause, or ErrValidation when there is none.
func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrValidation
}

// Is lets errors.Is(err, ErrValidation) match every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a validation error for a config field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Validationf creates a validation error with a formatted message
func Validationf(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// WrapValidation creates a validation error that wraps a sentinel or cause
func WrapValidation(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: err}
}

// WorkflowExecutionError wraps a node failure with the id of the node that failed
// and, when known, the execution it belongs to.
type WorkflowExecutionError struct {
	Message     string
	NodeID      string
	ExecutionID string
	Err         error

	// Partial holds the output produced before the failure, when any
	Partial interface{}
}

func (e *WorkflowExecutionError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error
func (e *WorkflowExecutionError) Unwrap() error {
	return e.Err
}

// NewWorkflowExecutionError creates an execution error for a node
func NewWorkflowExecutionError(message, nodeID string, err error) *WorkflowExecutionError {
	return &WorkflowExecutionError{
		Message: message,
		NodeID:  nodeID,
		Err:     err,
	}
}

// ExternalServiceError reports a failed call to an HTTP endpoint or vendor API.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	Status     string
	Message    string
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed with status %d %s: %s", e.Service, e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Service, e.Message)
}

// Unwrap returns the underlying error
func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// TypeName returns the name used by error filters for the outermost typed error
// in the chain. Untyped errors report "Error".
func TypeName(err error) string {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *WorkflowExecutionError:
			return "WorkflowExecutionError"
		case *ValidationError:
			return "ValidationError"
		case *ExternalServiceError:
			return "ExternalServiceError"
		case *Error:
			return "SDKError"
		}
	}
	return "Error"
}
