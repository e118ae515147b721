package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatUnavailable ErrorCategory = "unavailable" // Capability not supported here
	ErrCatNotFound    ErrorCategory = "not_found"   // Unknown artifact or diagnostic type
	ErrCatTimeout     ErrorCategory = "timeout"     // Bound exceeded
	ErrCatInternal    ErrorCategory = "internal"    // Corrupt input or unexpected failure
	ErrCatValidation  ErrorCategory = "validation"  // Invalid input
)

// DomainError represents a structured error from the diagnostics layer.
type DomainError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Cause    error
	Details  map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrUnavailable reports a capability that is not compiled in or not
// supported on this platform. It is never an internal fault.
func ErrUnavailable(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatUnavailable,
		Code:     code,
		Message:  message,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category: ErrCatTimeout,
		Code:     "TIMEOUT",
		Message:  message,
	}
}

// ErrInternal creates an internal error.
func ErrInternal(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatInternal,
		Code:     code,
		Message:  message,
	}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
	}
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeArtifactCorrupt    = "ARTIFACT_CORRUPT"
	CodeArtifactNotFound   = "ARTIFACT_NOT_FOUND"
	CodeInvalidArtifactID  = "INVALID_ARTIFACT_ID"
	CodeUnknownDiagnostic  = "UNKNOWN_DIAGNOSTIC_TYPE"
	CodeProviderFailed     = "PROVIDER_FAILED"
	CodeAllocatorStatsOff  = "ALLOCATOR_STATS_DISABLED"
	CodeThreadsUnsupported = "THREAD_INSPECTION_UNSUPPORTED"
	CodeThreadGone         = "THREAD_GONE"
	CodeMonitorUnavailable = "MONITOR_UNAVAILABLE"
	CodeStoreWriteFailed   = "STORE_WRITE_FAILED"
	CodeInvalidConfig      = "INVALID_CONFIG"
)
