package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code for stable testing
type ErrorCode string

// Error codes for different error categories
const (
	// General errors
	ErrUnknown      ErrorCode = "UNKNOWN"
	ErrInternal     ErrorCode = "INTERNAL"
	ErrInvalidInput ErrorCode = "INVALID_INPUT"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrLocked       ErrorCode = "LOCKED"

	// Configuration errors
	ErrConfigLoad  ErrorCode = "CONFIG_LOAD"
	ErrConfigParse ErrorCode = "CONFIG_PARSE"

	// Patching errors
	ErrParse               ErrorCode = "PARSE"
	ErrApplicability       ErrorCode = "APPLICABILITY"
	ErrPrerequisite        ErrorCode = "PREREQUISITE"
	ErrConflict            ErrorCode = "CONFLICT"
	ErrHistoryInconsistent ErrorCode = "HISTORY_INCONSISTENT"
	ErrIOFatal             ErrorCode = "IO_FATAL"

	// FileSystem errors
	ErrFileAccess ErrorCode = "FILE_ACCESS"
)

// PatchError represents a structured error with code and details
type PatchError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Wrapped error
}

// Error implements the error interface
func (e *PatchError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *PatchError) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is interface
func (e *PatchError) Is(target error) bool {
	var targetErr *PatchError
	if errors.As(target, &targetErr) {
		return e.Code == targetErr.Code
	}
	return false
}

// New creates a new PatchError with the given code and message
func New(code ErrorCode, message string) *PatchError {
	return &PatchError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new PatchError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *PatchError {
	return &PatchError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with a PatchError
func Wrap(err error, code ErrorCode, message string) *PatchError {
	if err == nil {
		return nil
	}
	return &PatchError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *PatchError {
	if err == nil {
		return nil
	}
	return &PatchError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// WithDetail adds a detail to the error
func (e *PatchError) WithDetail(key string, value interface{}) *PatchError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithDetails adds multiple details to the error
func (e *PatchError) WithDetails(details map[string]interface{}) *PatchError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// Patching converts err into the single error type returned at the engine
// boundary. Errors that already carry a code are returned as they are; any
// other cause is wrapped as ErrInternal.
func Patching(err error) *PatchError {
	if err == nil {
		return nil
	}
	var patchErr *PatchError
	if errors.As(err, &patchErr) {
		if patchErr == err {
			return patchErr
		}
		// keep the code of the first PatchError in the chain
		return &PatchError{
			Code:    patchErr.Code,
			Message: "patching failed",
			Details: patchErr.Details,
			Wrapped: err,
		}
	}
	return Wrap(err, ErrInternal, "patching failed")
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var patchErr *PatchError
	if errors.As(err, &patchErr) {
		return patchErr.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrUnknown if not a PatchError
func GetErrorCode(err error) ErrorCode {
	var patchErr *PatchError
	if errors.As(err, &patchErr) {
		return patchErr.Code
	}
	return ErrUnknown
}

// GetErrorDetails returns the details from an error, or nil if not a PatchError
func GetErrorDetails(err error) map[string]interface{} {
	var patchErr *PatchError
	if errors.As(err, &patchErr) {
		return patchErr.Details
	}
	return nil
}
