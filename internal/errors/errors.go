package errors

import (
	"errors"
	"fmt"
	"strings"
)

// LexError is the structured error type for lexrag.
// It provides context for error handling, logging, and user presentation.
type LexError struct {
	// Code is the unique error code (e.g., "ERR_502_LOCK_TIMEOUT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Provider, Storage, etc.).
	Category Category

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *LexError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *LexError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with LexError.
func (e *LexError) Is(target error) bool {
	if t, ok := target.(*LexError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *LexError) WithDetail(key, value string) *LexError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new LexError with the given code and message.
// Category and retryable flag are derived from the code.
func New(code string, message string, cause error) *LexError {
	return &LexError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a LexError from an existing error.
// The error's message becomes the LexError message.
func Wrap(code string, err error) *LexError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ValidationError creates a payload validation error. Not retryable.
func ValidationError(message string, cause error) *LexError {
	return New(ErrCodeInvalidPayload, message, cause)
}

// ProviderError creates the aggregated error returned when every embedding
// candidate has failed. The attempted model names become part of the message
// and are recorded as a detail for structured consumers.
func ProviderError(models []string, cause error) *LexError {
	msg := fmt.Sprintf("all embedding providers failed: %s", strings.Join(models, ", "))
	return New(ErrCodeProviderExhausted, msg, cause).
		WithDetail("models", strings.Join(models, ","))
}

// StorageError creates a storage-related error.
func StorageError(message string, cause error) *LexError {
	return New(ErrCodeStorage, message, cause)
}

// LockTimeoutError creates a lock acquisition timeout error for the given
// resource key. Retryable by the caller.
func LockTimeoutError(key string) *LexError {
	return New(ErrCodeLockTimeout, fmt.Sprintf("timed out waiting for lock %q", key), nil).
		WithDetail("key", key)
}

// DimensionMismatch creates a vector dimensionality error. A programming or
// configuration error, never retryable.
func DimensionMismatch(want, got int) *LexError {
	return New(ErrCodeDimensionMismatch,
		fmt.Sprintf("vector dimension mismatch: %d vs %d", want, got), nil)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *LexError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a LexError with the Retryable flag set.
func IsRetryable(err error) bool {
	var le *LexError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

// CodeOf extracts the error code from an error chain.
// Returns the empty string if no LexError is present.
func CodeOf(err error) string {
	var le *LexError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// HasCode reports whether the error chain contains a LexError with the code.
func HasCode(err error, code string) bool {
	var le *LexError
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}
