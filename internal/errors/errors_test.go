package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextualError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("connection refused")

	// When: wrapping it
	ce := ConnectFailure("/tmp/contextual.sock", originalErr)

	// Then: unwrapping returns the original error
	require.NotNil(t, ce)
	assert.Equal(t, originalErr, errors.Unwrap(ce))
	assert.True(t, errors.Is(ce, originalErr))
	assert.Equal(t, "/tmp/contextual.sock", ce.Details["socket"])
}

func TestContextualError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *ContextualError
		expected string
	}{
		{
			name:     "timeout",
			err:      Timeout("search"),
			expected: "[ERR_304_TIMEOUT] search timed out waiting for backend",
		},
		{
			name:     "backend error",
			err:      BackendError("not found"),
			expected: "[ERR_503_BACKEND_ERROR] not found",
		},
		{
			name:     "backend error without message",
			err:      BackendError(""),
			expected: "[ERR_503_BACKEND_ERROR] backend returned an error",
		},
		{
			name:     "connection lost",
			err:      ConnectionLost("peer closed", nil),
			expected: "[ERR_302_CONNECTION_LOST] connection to backend lost: peer closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestContextualError_Is_MatchesSentinelByCode(t *testing.T) {
	assert.True(t, errors.Is(Timeout("ping"), ErrTimeout))
	assert.True(t, errors.Is(BackendError("boom"), ErrBackend))
	assert.True(t, errors.Is(ConnectionLost("eof", nil), ErrConnectionLost))
	assert.False(t, errors.Is(Timeout("ping"), ErrConnectionLost))

	// Wrapped with fmt.Errorf still matches
	wrapped := fmt.Errorf("get_summary: %w", BackendError("not found"))
	assert.True(t, errors.Is(wrapped, ErrBackend))
	assert.Equal(t, ErrCodeBackendError, GetCode(wrapped))
}

func TestContextualError_CategoryFromCode(t *testing.T) {
	tests := []struct {
		code     string
		expected Category
	}{
		{ErrCodeConfigInvalid, CategoryConfig},
		{ErrCodeConnectFailure, CategoryTransport},
		{ErrCodeTimeout, CategoryTransport},
		{ErrCodeInvalidInput, CategoryValidation},
		{ErrCodeMalformedResponse, CategoryProtocol},
		{ErrCodeBackendError, CategoryProtocol},
		{ErrCodeInternal, CategoryInternal},
		{"bad", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.expected, categoryFromCode(tt.code))
		})
	}
}

func TestContextualError_RetryableAndSeverity(t *testing.T) {
	assert.True(t, IsRetryable(ConnectionLost("eof", nil)))
	assert.True(t, IsRetryable(Timeout("search")))
	assert.False(t, IsRetryable(BackendError("nope")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))

	assert.Equal(t, SeverityWarning, Timeout("x").Severity)
	assert.Equal(t, SeverityError, BackendError("x").Severity)
	assert.True(t, IsFatal(New(ErrCodeClientClosed, "closed", nil)))
	assert.False(t, IsFatal(BackendError("x")))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))

	ce := Wrap(ErrCodeMalformedResponse, errors.New("unexpected end of JSON input"))
	require.NotNil(t, ce)
	assert.Equal(t, "unexpected end of JSON input", ce.Message)
	assert.Equal(t, CategoryProtocol, GetCategory(ce))
}

func TestFormatForCLI(t *testing.T) {
	out := FormatForCLI(ConnectFailure("/tmp/x.sock", errors.New("no such file")))
	assert.Contains(t, out, "Error: cannot connect to backend")
	assert.Contains(t, out, "Hint: Start the backend")
	assert.Contains(t, out, "Code: ERR_301_CONNECT_FAILURE")

	plain := FormatForCLI(errors.New("boom"))
	assert.Contains(t, plain, "Code: ERR_599_INTERNAL")

	assert.Empty(t, FormatForCLI(nil))
}

func TestFormatForLog(t *testing.T) {
	attrs := FormatForLog(Timeout("search"))
	require.NotEmpty(t, attrs)
	assert.Equal(t, "error_code", attrs[0])
	assert.Equal(t, ErrCodeTimeout, attrs[1])
	assert.Contains(t, attrs, "detail_method")

	assert.Equal(t, []any{"error", "plain"}, FormatForLog(errors.New("plain")))
	assert.Nil(t, FormatForLog(nil))
}
