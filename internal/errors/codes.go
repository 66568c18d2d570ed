// Package errors provides structured error handling for the contextual client.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 3XX: Transport errors (socket, connection state)
//   - 4XX: Validation errors
//   - 5XX: Protocol and backend errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryTransport indicates socket and connection errors.
	CategoryTransport Category = "TRANSPORT"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryProtocol indicates wire protocol and backend errors.
	CategoryProtocol Category = "PROTOCOL"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Transport errors (300-399)
	ErrCodeConnectFailure = "ERR_301_CONNECT_FAILURE"
	ErrCodeConnectionLost = "ERR_302_CONNECTION_LOST"
	ErrCodeNotConnected   = "ERR_303_NOT_CONNECTED"
	ErrCodeTimeout        = "ERR_304_TIMEOUT"
	ErrCodeClientClosed   = "ERR_305_CLIENT_CLOSED"
	ErrCodeLaunchFailed   = "ERR_306_LAUNCH_FAILED"

	// Validation errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"

	// Protocol errors (500-599)
	ErrCodeMalformedResponse  = "ERR_501_MALFORMED_RESPONSE"
	ErrCodeUnknownCorrelation = "ERR_502_UNKNOWN_CORRELATION"
	ErrCodeBackendError       = "ERR_503_BACKEND_ERROR"
	ErrCodeFrameTooLarge      = "ERR_504_FRAME_TOO_LARGE"
	ErrCodeInternal           = "ERR_599_INTERNAL"
)

// Sentinels for errors.Is checks. Matching is by code, so any error carrying
// the same code matches regardless of message or cause.
var (
	ErrConnectFailure     = &ContextualError{Code: ErrCodeConnectFailure}
	ErrConnectionLost     = &ContextualError{Code: ErrCodeConnectionLost}
	ErrNotConnected       = &ContextualError{Code: ErrCodeNotConnected}
	ErrTimeout            = &ContextualError{Code: ErrCodeTimeout}
	ErrClientClosed       = &ContextualError{Code: ErrCodeClientClosed}
	ErrMalformedResponse  = &ContextualError{Code: ErrCodeMalformedResponse}
	ErrUnknownCorrelation = &ContextualError{Code: ErrCodeUnknownCorrelation}
	ErrBackend            = &ContextualError{Code: ErrCodeBackendError}
	ErrInvalidInput       = &ContextualError{Code: ErrCodeInvalidInput}
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "301" from "ERR_301_CONNECT_FAILURE")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '3':
		return CategoryTransport
	case '4':
		return CategoryValidation
	case '5':
		if code == ErrCodeInternal {
			return CategoryInternal
		}
		return CategoryProtocol
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeClientClosed, ErrCodeInternal:
		return SeverityFatal
	}

	// Transient transport faults are handled by reconnecting
	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeConnectFailure, ErrCodeConnectionLost, ErrCodeNotConnected, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
