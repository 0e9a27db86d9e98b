// Package errors provides structured error handling for lexrag.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Chunking errors
//   - 3XX: Embedding provider errors
//   - 4XX: Validation errors
//   - 5XX: Storage and locking errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryChunking indicates text chunking errors.
	CategoryChunking Category = "CHUNKING"
	// CategoryProvider indicates embedding provider errors.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryStorage indicates storage and lock errors.
	CategoryStorage Category = "STORAGE"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Chunking errors (200-299)
	ErrCodeChunkOptions = "ERR_201_CHUNK_OPTIONS"

	// Provider errors (300-399)
	ErrCodeProviderExhausted   = "ERR_301_PROVIDER_EXHAUSTED"
	ErrCodeProviderUnavailable = "ERR_302_PROVIDER_UNAVAILABLE"
	ErrCodeProviderResponse    = "ERR_303_PROVIDER_RESPONSE"

	// Validation errors (400-499)
	ErrCodeInvalidPayload    = "ERR_401_INVALID_PAYLOAD"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"

	// Storage errors (500-599)
	ErrCodeStorage     = "ERR_501_STORAGE"
	ErrCodeLockTimeout = "ERR_502_LOCK_TIMEOUT"
	ErrCodeTxRollback  = "ERR_503_TX_ROLLBACK"
	ErrCodeInternal    = "ERR_599_INTERNAL"
)

// categoryFromCode derives the category from the code's numeric block.
func categoryFromCode(code string) Category {
	if len(code) < 5 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryChunking
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	case '5':
		return CategoryStorage
	default:
		return CategoryInternal
	}
}

// retryableCodes lists codes where the failed operation may be retried by the
// caller. Validation and dimension errors are never retryable: retrying the
// same input cannot succeed.
var retryableCodes = map[string]bool{
	ErrCodeProviderUnavailable: true,
	ErrCodeProviderResponse:    true,
	ErrCodeLockTimeout:         true,
	ErrCodeStorage:             true,
}

// isRetryableCode reports whether operations failing with this code may be retried.
func isRetryableCode(code string) bool {
	return retryableCodes[code]
}
