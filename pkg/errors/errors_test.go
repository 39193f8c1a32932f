package errors

import (
	stderrors "errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := NewError(ErrorTypeUnavailable, "cache unreachable")
		want := "unavailable: cache unreachable"
		if err.Error() != want {
			t.Errorf("Error() = %q, want %q", err.Error(), want)
		}
	})

	t.Run("with cause", func(t *testing.T) {
		cause := stderrors.New("connection refused")
		err := NewError(ErrorTypeUnavailable, "cache unreachable").WithCause(cause)
		want := "unavailable: cache unreachable: connection refused"
		if err.Error() != want {
			t.Errorf("Error() = %q, want %q", err.Error(), want)
		}
		if !stderrors.Is(err, cause) {
			t.Error("expected wrapped cause to match with errors.Is")
		}
	})
}

func TestError_Is(t *testing.T) {
	err := NewError(ErrorTypeTimeout, "operation timed out")

	if !stderrors.Is(err, NewError(ErrorTypeTimeout, "anything")) {
		t.Error("expected errors of the same type to match")
	}
	if stderrors.Is(err, NewError(ErrorTypeInternal, "anything")) {
		t.Error("expected errors of different types not to match")
	}
}

func TestIsType(t *testing.T) {
	wrapped := Wrap(NewError(ErrorTypeRateLimit, "too many requests"), "export handler")

	if !IsType(wrapped, ErrorTypeRateLimit) {
		t.Error("expected IsType to see through wrapping")
	}
	if IsType(wrapped, ErrorTypeNotFound) {
		t.Error("unexpected type match")
	}
	if IsType(stderrors.New("plain"), ErrorTypeInternal) {
		t.Error("plain errors have no type")
	}
}

func TestError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    int
	}{
		{ErrorTypeNotFound, 404},
		{ErrorTypeBadRequest, 400},
		{ErrorTypeTimeout, 408},
		{ErrorTypeRateLimit, 429},
		{ErrorTypeUnavailable, 503},
		{ErrorTypeInternal, 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := NewError(tt.errType, "test")
			if got := err.HTTPStatusCode(); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWrap_NilError(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestError_WithDetail(t *testing.T) {
	err := NewError(ErrorTypeRateLimit, "rate limit exceeded").
		WithDetail("identifier", "client-1").
		WithDetail("retryAfter", 3)

	if err.Details["identifier"] != "client-1" {
		t.Errorf("expected identifier detail, got %v", err.Details["identifier"])
	}
	if err.Details["retryAfter"] != 3 {
		t.Errorf("expected retryAfter detail, got %v", err.Details["retryAfter"])
	}
}
