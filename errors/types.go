package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigNotFound   ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Operation taxonomy surfaced by the engine
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeInvalid       ErrorCode = "INVALID"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
	ErrCodeRemoteError   ErrorCode = "REMOTE_ERROR"
	ErrCodeIOError       ErrorCode = "IO_ERROR"

	// Command execution errors
	ErrCodeCommandFailed ErrorCode = "COMMAND_FAILED"

	// General errors
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
)

// PipelineError represents a structured error with context
type PipelineError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *PipelineError) WithDetail(key string, value interface{}) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *PipelineError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new PipelineError
func New(code ErrorCode, message string) *PipelineError {
	return &PipelineError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a PipelineError
func Wrap(err error, code ErrorCode, message string) *PipelineError {
	return &PipelineError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific PipelineError code
func Is(err error, code ErrorCode) bool {
	return GetCode(err) == code && code != ""
}

// GetCode extracts the error code from the outermost PipelineError in the chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var pErr *PipelineError
	if !stderrors.As(err, &pErr) {
		return ""
	}

	return pErr.Code
}

// As is re-exported so callers importing this package under the name
// "errors" keep access to the standard helper.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
