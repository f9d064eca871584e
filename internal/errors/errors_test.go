package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TS01: Error wrapping preserves original error
func TestQuillError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("original error")

	// When: wrapping with QuillError
	qErr := New(ErrCodeIndexNotFound, "index not found: products", originalErr)

	// Then: unwrapping returns original error
	require.NotNil(t, qErr)
	assert.Equal(t, originalErr, errors.Unwrap(qErr))
	assert.True(t, errors.Is(qErr, originalErr))
}

func TestQuillError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{
			name:     "client input error",
			code:     ErrCodeInvalidIndexUid,
			message:  "index uid contains invalid characters",
			expected: "[ERR_101_INVALID_INDEX_UID] index uid contains invalid characters",
		},
		{
			name:     "state error",
			code:     ErrCodeIndexNotFound,
			message:  "index products not found",
			expected: "[ERR_201_INDEX_NOT_FOUND] index products not found",
		},
		{
			name:     "runtime error",
			code:     ErrCodeTimeoutReached,
			message:  "search cutoff exceeded",
			expected: "[ERR_302_TIMEOUT_REACHED] search cutoff exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, nil)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestQuillError_Is_MatchesByCode(t *testing.T) {
	// Given: two errors with same code
	err1 := New(ErrCodeIndexNotFound, "index A not found", nil)
	err2 := New(ErrCodeIndexNotFound, "index B not found", nil)

	// Then: they match by code
	assert.True(t, errors.Is(err1, err2))
}

func TestQuillError_Is_DoesNotMatchDifferentCodes(t *testing.T) {
	// Given: two errors with different codes
	err1 := New(ErrCodeIndexNotFound, "index not found", nil)
	err2 := New(ErrCodeTaskNotFound, "task not found", nil)

	// Then: they don't match
	assert.False(t, errors.Is(err1, err2))
}

func TestQuillError_WithDetails_AddsContext(t *testing.T) {
	// Given: a base error
	err := New(ErrCodeIndexNotFound, "index not found", nil)

	// When: adding details
	err = err.WithDetail("index_uid", "products")
	err = err.WithDetail("task_uid", "42")

	// Then: details are available
	assert.Equal(t, "products", err.Details["index_uid"])
	assert.Equal(t, "42", err.Details["task_uid"])
}

func TestQuillError_WithSuggestion_AddsSuggestion(t *testing.T) {
	// Given: a timeout error
	err := New(ErrCodeTimeoutReached, "search cutoff exceeded", nil)

	// When: adding suggestion
	err = err.WithSuggestion("increase searchCutoffMs or narrow the query")

	// Then: suggestion is available
	assert.Equal(t, "increase searchCutoffMs or narrow the query", err.Suggestion)
}

func TestQuillError_CategoryFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantCategory Category
	}{
		{ErrCodeInvalidIndexUid, CategoryClientInput},
		{ErrCodeMalformedPayload, CategoryClientInput},
		{ErrCodeIndexNotFound, CategoryState},
		{ErrCodeTaskNotFound, CategoryState},
		{ErrCodeInternal, CategoryRuntime},
		{ErrCodeEmbeddingFailed, CategoryRuntime},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantCategory, err.Category)
		})
	}
}

func TestQuillError_SeverityFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantSeverity Severity
	}{
		{ErrCodeCorruptedStore, SeverityFatal},
		{ErrCodeMapSizeExceeded, SeverityFatal},
		{ErrCodeIndexNotFound, SeverityError},
		{ErrCodeTimeoutReached, SeverityWarning}, // degraded, not fatal
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantSeverity, err.Severity)
		})
	}
}

func TestQuillError_RetryableFromCode(t *testing.T) {
	tests := []struct {
		code          string
		wantRetryable bool
	}{
		{ErrCodeTimeoutReached, true},
		{ErrCodeEmbeddingFailed, true},
		{ErrCodeIndexNotFound, false},
		{ErrCodeCorruptedStore, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
		})
	}
}

func TestWrap_CreatesQuillErrorFromError(t *testing.T) {
	// Given: a standard error
	originalErr := errors.New("something went wrong")

	// When: wrapping with a code
	qErr := Wrap(ErrCodeInternal, originalErr)

	// Then: creates proper QuillError
	require.NotNil(t, qErr)
	assert.Equal(t, ErrCodeInternal, qErr.Code)
	assert.Equal(t, "something went wrong", qErr.Message)
	assert.Equal(t, originalErr, qErr.Cause)
}

func TestIOError_CreatesRuntimeCategoryError(t *testing.T) {
	err := IOError("cannot write to data directory", nil)

	assert.Equal(t, CategoryRuntime, err.Category)
	assert.Equal(t, ErrCodeIoError, err.Code)
}

func TestEmbeddingError_CreatesRetryableError(t *testing.T) {
	err := EmbeddingError("embedder request timed out", nil)

	assert.Equal(t, CategoryRuntime, err.Category)
	assert.True(t, err.Retryable)
}

func TestIsRetryable_ChecksRetryableFlag(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable QuillError",
			err:      New(ErrCodeTimeoutReached, "timeout", nil),
			expected: true,
		},
		{
			name:     "non-retryable QuillError",
			err:      New(ErrCodeIndexNotFound, "not found", nil),
			expected: false,
		},
		{
			name:     "wrapped retryable error",
			err:      Wrap(ErrCodeEmbeddingFailed, errors.New("wrapped")),
			expected: true,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal_ChecksFatalSeverity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "corrupted store is fatal",
			err:      New(ErrCodeCorruptedStore, "store corrupt", nil),
			expected: true,
		},
		{
			name:     "map size exceeded is fatal",
			err:      New(ErrCodeMapSizeExceeded, "mapsize exhausted", nil),
			expected: true,
		},
		{
			name:     "non-fatal error",
			err:      New(ErrCodeIndexNotFound, "not found", nil),
			expected: false,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsFatal(tt.err))
		})
	}
}

func TestIsBatchFatal(t *testing.T) {
	assert.True(t, IsBatchFatal(ErrCodeCorruptedStore))
	assert.True(t, IsBatchFatal(ErrCodeIoError))
	assert.False(t, IsBatchFatal(ErrCodeIndexNotFound))
}
