package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Connection not found")
		assert.Equal(t, "NOT_FOUND: Connection not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "DATABASE_ERROR")
		assert.Contains(t, err.Error(), "Database error")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "session_id"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"NotFound", func() *AppError { return NotFound("Connection") }, ErrCodeNotFound},
		{"SessionNotFound", func() *AppError { return SessionNotFound("s1") }, ErrCodeSessionNotFound},
		{"DuplicateConnection", func() *AppError { return DuplicateConnection("c1") }, ErrCodeDuplicateConnection},
		{"SessionEnded", func() *AppError { return SessionEnded("s1") }, ErrCodeSessionEnded},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"PayloadTooLarge", func() *AppError { return PayloadTooLarge(1024) }, ErrCodePayloadTooLarge},
		{"InvalidMessage", func() *AppError { return InvalidMessage("bad json") }, ErrCodeInvalidMessage},
		{"MissingRequired", func() *AppError { return MissingRequired("session_id") }, ErrCodeMissingRequired},
		{"RateLimitExceeded", func() *AppError { return RateLimitExceeded() }, ErrCodeRateLimitExceeded},
		{"RetryExhausted", func() *AppError { return RetryExhausted(3, errors.New("busy")) }, ErrCodeRetryExhausted},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestRetryExhausted(t *testing.T) {
	t.Run("keeps the last error reachable", func(t *testing.T) {
		cause := errors.New("redis: connection pool timeout")
		err := RetryExhausted(5, cause)
		assert.Equal(t, ErrCodeRetryExhausted, err.Code)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Message, "5 attempts")
	})
}

func TestSessionNotFound(t *testing.T) {
	t.Run("carries session id in details", func(t *testing.T) {
		err := SessionNotFound("live-42")
		assert.Equal(t, map[string]string{"sessionId": "live-42"}, err.Details)
	})
}

func TestDatabase(t *testing.T) {
	t.Run("wraps database error", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Database(cause)
		assert.Equal(t, ErrCodeDatabase, err.Code)
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError through fmt wrapping", func(t *testing.T) {
		original := SessionNotFound("s1")
		wrapped := fmt.Errorf("join: %w", original)
		extracted, ok := AsAppError(wrapped)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		err := errors.New("standard error")
		extracted, ok := AsAppError(err)
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		assert.Equal(t, ErrCodeNotFound, GetCode(New(ErrCodeNotFound, "test")))
	})

	t.Run("returns ErrCodeInternal for standard error", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
	})

	t.Run("HasCode matches wrapped codes", func(t *testing.T) {
		err := fmt.Errorf("leave: %w", SessionNotFound("s1"))
		assert.True(t, HasCode(err, ErrCodeSessionNotFound))
		assert.False(t, HasCode(err, ErrCodeNotFound))
	})
}
