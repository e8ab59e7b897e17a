package errors

import (
	"context"
	"errors"
)

// Failure codes carried on execution results.
const (
	CodeExecutionFailed = "EXECUTION_FAILED"
	CodeNoHandler       = "NO_HANDLER"
	CodeValidation      = "VALIDATION_FAILED"
	CodeTimeout         = "TIMEOUT"
	CodeExternalService = "EXTERNAL_SERVICE_ERROR"
)

// Code maps a node failure to its result code.
func Code(err error) string {
	var ext *ExternalServiceError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ext):
		return CodeExternalService
	case errors.Is(err, ErrNoHandler):
		return CodeNoHandler
	case IsValidation(err):
		return CodeValidation
	case errors.Is(err, context.DeadlineExceeded), IsTimeout(err):
		return CodeTimeout
	}
	return CodeExecutionFailed
}

// IsRetryable reports whether a node failure may succeed when run again:
// timeouts, transport failures and 429/5xx responses.
func IsRetryable(err error) bool {
	if err == nil || IsValidation(err) || errors.Is(err, ErrNoHandler) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || IsTimeout(err) {
		return true
	}
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.StatusCode == 0 || ext.StatusCode == 429 || ext.StatusCode >= 500
	}
	return false
}

// CauseTypeName is TypeName of the handler's error when err is the executor's
// WorkflowExecutionError wrapper.
func CauseTypeName(err error) string {
	var wf *WorkflowExecutionError
	if errors.As(err, &wf) && wf.Err != nil {
		return TypeName(wf.Err)
	}
	return TypeName(err)
}

// PartialResult returns the output a failed node produced before it stopped, or
// nil when none was recorded.
func PartialResult(err error) interface{} {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if wf, ok := e.(*WorkflowExecutionError); ok && wf.Partial != nil {
			return wf.Partial
		}
	}
	return nil
}
