package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Nudge error code.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"    // 400
	ErrInvalidContext    ErrorCode = "INVALID_CONTEXT"    // 400
	ErrNotFound          ErrorCode = "NOT_FOUND"          // 404
	ErrFileNotFound      ErrorCode = "FILE_NOT_FOUND"     // 404
	ErrCancelled         ErrorCode = "CANCELLED"          // 499
	ErrSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE" // 503
	ErrRankingTimeout    ErrorCode = "RANKING_TIMEOUT"    // 504
	ErrCacheCorruption   ErrorCode = "CACHE_CORRUPTION"   // 500
	ErrInternal          ErrorCode = "INTERNAL"           // 500
)

// NudgeError represents a structured error with code, status, and details.
type NudgeError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *NudgeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *NudgeError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *NudgeError {
	return &NudgeError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewInvalidContext creates a 400 error for a malformed tool-call event.
// The pipeline turns this into a silent no-op decision; only operational
// surfaces ever show it.
func NewInvalidContext(msg string) *NudgeError {
	return &NudgeError{
		Code:    ErrInvalidContext,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing record (trace, packet, candidate).
func NewNotFound(identifier string) *NudgeError {
	return &NudgeError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewFileNotFound creates a 404 error for a missing import file.
func NewFileNotFound(path string) *NudgeError {
	return &NudgeError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewCancelled creates a 499 error when an operation is cancelled by its caller.
func NewCancelled(operation string) *NudgeError {
	return &NudgeError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", operation),
		Details: map[string]any{"operation": operation},
	}
}

// NewSourceUnavailable creates a 503 error for a candidate source that failed or timed out.
func NewSourceUnavailable(source string, err error) *NudgeError {
	msg := fmt.Sprintf("source %s unavailable", source)
	if err != nil {
		msg = fmt.Sprintf("source %s unavailable: %v", source, err)
	}
	return &NudgeError{
		Code:    ErrSourceUnavailable,
		Status:  503,
		Message: msg,
		Details: map[string]any{"source": source},
		cause:   err,
	}
}

// NewRankingTimeout creates a 504 error when ranking ran out of budget.
func NewRankingTimeout(scored, total int) *NudgeError {
	return &NudgeError{
		Code:    ErrRankingTimeout,
		Status:  504,
		Message: fmt.Sprintf("ranking budget exceeded after %d of %d candidates", scored, total),
		Details: map[string]any{"scored": scored, "total": total},
	}
}

// NewCacheCorruption creates an error for a stored packet that cannot be decoded.
func NewCacheCorruption(fingerprint string, err error) *NudgeError {
	return &NudgeError{
		Code:    ErrCacheCorruption,
		Status:  500,
		Message: fmt.Sprintf("packet %s is corrupt: %v", fingerprint, err),
		Details: map[string]any{"fingerprint": fingerprint},
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *NudgeError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &NudgeError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if an error (or anything it wraps) is a NudgeError with the given code.
func Is(err error, code ErrorCode) bool {
	var nErr *NudgeError
	if stderrors.As(err, &nErr) {
		return nErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var nErr *NudgeError
	if stderrors.As(err, &nErr) {
		return nErr.Code
	}
	return ErrInternal
}
