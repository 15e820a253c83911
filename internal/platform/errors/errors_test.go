package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := New(CodeIncrementOutOfRange, "increment must be between 1 and 1000")
	if !errors.Is(err, New(CodeIncrementOutOfRange, "different message")) {
		t.Fatal("expected errors with the same code to match")
	}
	if errors.Is(err, New(CodeStaleTimestamp, "increment must be between 1 and 1000")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := Wrap(CodeStorageUnavailable, "apply delta", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable via errors.Is")
	}
	if err.Error() != "apply delta" {
		t.Fatalf("expected internal message, got %q", err.Error())
	}
}

func TestCodeOfTraversesChain(t *testing.T) {
	t.Parallel()

	inner := New(CodeStaleTimestamp, "timestamp outside window")
	wrapped := fmt.Errorf("validate token: %w", inner)
	if got := CodeOf(wrapped); got != CodeStaleTimestamp {
		t.Fatalf("expected stale timestamp code, got %s", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("expected unknown code for plain error, got %s", got)
	}
	if got := CodeOf(nil); got != CodeUnknown {
		t.Fatalf("expected unknown code for nil error, got %s", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code Code
		want int
	}{
		{CodeIncrementOutOfRange, http.StatusBadRequest},
		{CodeStaleTimestamp, http.StatusBadRequest},
		{CodeMalformedInput, http.StatusBadRequest},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeNotFound, http.StatusNotFound},
		{CodeStorageUnavailable, http.StatusServiceUnavailable},
		{CodeConsistencyViolation, http.StatusInternalServerError},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Fatalf("code %s: expected status %d, got %d", tc.code, tc.want, got)
		}
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	if !CodeStorageUnavailable.Retryable() {
		t.Fatal("expected storage unavailable to be retryable")
	}
	if CodeIncrementOutOfRange.Retryable() {
		t.Fatal("expected validation failure not to be retryable")
	}
}
