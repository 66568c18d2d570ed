package errors

import (
	"errors"
	"fmt"
)

// ContextualError is the structured error type for the contextual client.
// Every failure returned from a backend call is one of these, so callers can
// branch on the code instead of parsing messages.
type ContextualError struct {
	// Code is the unique error code (e.g., "ERR_304_TIMEOUT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Transport, Protocol, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *ContextualError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *ContextualError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() against the package sentinels.
func (e *ContextualError) Is(target error) bool {
	if t, ok := target.(*ContextualError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *ContextualError) WithDetail(key, value string) *ContextualError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *ContextualError) WithSuggestion(suggestion string) *ContextualError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ContextualError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *ContextualError {
	return &ContextualError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a ContextualError from an existing error.
// The error's message becomes the ContextualError message.
func Wrap(code string, err error) *ContextualError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *ContextualError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *ContextualError {
	return New(ErrCodeInvalidInput, message, cause)
}

// ConnectFailure reports that the backend socket could not be opened.
func ConnectFailure(socketPath string, cause error) *ContextualError {
	return New(ErrCodeConnectFailure, "cannot connect to backend", cause).
		WithDetail("socket", socketPath).
		WithSuggestion("Start the backend or run 'contextual backend start'")
}

// ConnectionLost reports a mid-session connection drop.
func ConnectionLost(reason string, cause error) *ContextualError {
	return New(ErrCodeConnectionLost, "connection to backend lost: "+reason, cause)
}

// Timeout reports that a call exceeded its wait budget.
func Timeout(method string) *ContextualError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out waiting for backend", method), nil).
		WithDetail("method", method)
}

// BackendError carries the message of a status "error" response.
func BackendError(message string) *ContextualError {
	if message == "" {
		message = "backend returned an error"
	}
	return New(ErrCodeBackendError, message, nil)
}

// MalformedResponse reports an undecodable response frame.
func MalformedResponse(message string, cause error) *ContextualError {
	return New(ErrCodeMalformedResponse, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error chain holds a ContextualError with Retryable set.
func IsRetryable(err error) bool {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return ce.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a ContextualError.
// Returns empty string if not a ContextualError.
func GetCode(err error) string {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// GetCategory extracts the category from a ContextualError.
// Returns empty string if not a ContextualError.
func GetCategory(err error) Category {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}
