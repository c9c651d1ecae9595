package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatConfig       ErrorCategory = "config"       // Invalid configuration, blocks install
	ErrCatCollector    ErrorCategory = "collector"    // Failure while streaming from a crashing process
	ErrCatProtocol     ErrorCategory = "protocol"     // Malformed line in the report stream
	ErrCatCompleteness ErrorCategory = "completeness" // Stream ended before the report was complete
	ErrCatUpload       ErrorCategory = "upload"       // Report delivery failed
	ErrCatState        ErrorCategory = "state"        // Lifecycle operation in the wrong state
	ErrCatTimeout      ErrorCategory = "timeout"      // Operation timed out
	ErrCatNotFound     ErrorCategory = "not_found"    // Resource not found
	ErrCatInternal     ErrorCategory = "internal"     // Unexpected internal error
)

// DomainError represents a structured error from the crash pipeline.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
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

// ErrConfig creates a configuration error.
func ErrConfig(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConfig,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrCollector creates a collector-time error.
func ErrCollector(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCollector,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrProtocol creates a protocol error for a malformed stream line.
func ErrProtocol(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatProtocol,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrIncomplete creates a completeness error.
func ErrIncomplete(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCompleteness,
		Code:      CodeIncompleteReport,
		Message:   message,
		Retryable: false,
	}
}

// ErrUpload creates an upload error.
func ErrUpload(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatUpload,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
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
	// Configuration
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeInvalidTimeout     = "INVALID_TIMEOUT"
	CodeConflictingOptions = "CONFLICTING_OPTIONS"
	CodeMissingReceiver    = "MISSING_RECEIVER"
	CodeInvalidEndpoint    = "INVALID_ENDPOINT"

	// Collector
	CodeWriteFailed       = "WRITE_FAILED"
	CodeNoPreviousHandler = "NO_PREVIOUS_HANDLER"

	// Protocol
	CodeMalformedLine  = "MALFORMED_LINE"
	CodeUnexpectedLine = "UNEXPECTED_LINE"
	CodeDuplicateField = "DUPLICATE_FIELD"

	// Completeness
	CodeIncompleteReport = "INCOMPLETE_REPORT"
	CodeMissingConfig    = "MISSING_CONFIG"

	// Upload
	CodeUploadFailed       = "UPLOAD_FAILED"
	CodeUnsupportedScheme  = "UNSUPPORTED_SCHEME"
	CodeUnexpectedResponse = "UNEXPECTED_RESPONSE"

	// Lifecycle
	CodeAlreadyInstalled = "ALREADY_INSTALLED"
	CodeNotInstalled     = "NOT_INSTALLED"
	CodeShutDown         = "SHUT_DOWN"
	CodeSpawnFailed      = "SPAWN_FAILED"
)
