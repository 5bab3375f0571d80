package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestRuntimeError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *RuntimeError
		want string
	}{
		{
			name: "error without underlying error",
			err:  NoIdentity("pass X-User-ID or a bearer token"),
			want: "[auth:AUTH_NO_IDENTITY] authentication required",
		},
		{
			name: "error with underlying error",
			err:  Internal("test message", errors.New("underlying")),
			want: "[fatal:FATAL_INTERNAL] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuntimeError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Internal("test", underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestRuntimeError_WithDetails(t *testing.T) {
	err := MalformedFlow("missing nodes array")
	err.WithDetails("extra", "value")

	if err.Details["reason"] != "missing nodes array" {
		t.Errorf("Details[reason] = %v, want missing nodes array", err.Details["reason"])
	}
	if err.Details["extra"] != "value" {
		t.Errorf("Details[extra] = %v, want value", err.Details["extra"])
	}
}

func TestNoRoute(t *testing.T) {
	err := NoRoute(http.MethodGet, "/api/unknown")

	if err.Kind != KindRouting {
		t.Errorf("Kind = %v, want %v", err.Kind, KindRouting)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Path != "/api/unknown" || err.Method != http.MethodGet {
		t.Errorf("unexpected path/method: %+v", err)
	}
}

func TestNoIdentity(t *testing.T) {
	err := NoIdentity("pass X-User-ID")

	if err.Kind != KindAuth {
		t.Errorf("Kind = %v, want %v", err.Kind, KindAuth)
	}
	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnauthorized)
	}
	if err.Hint != "pass X-User-ID" {
		t.Errorf("Hint = %v, want pass X-User-ID", err.Hint)
	}
}

func TestInvalidToken(t *testing.T) {
	underlying := errors.New("token parse error")
	err := InvalidToken(underlying)

	if err.Code != CodeInvalidToken {
		t.Errorf("Code = %v, want %v", err.Code, CodeInvalidToken)
	}
	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnauthorized)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	err := RateLimitExceeded(5)

	if err.Kind != KindRateLimit {
		t.Errorf("Kind = %v, want %v", err.Kind, KindRateLimit)
	}
	if err.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusTooManyRequests)
	}
	if err.RetryAfterSeconds != 5 {
		t.Errorf("RetryAfterSeconds = %d, want 5", err.RetryAfterSeconds)
	}
}

func TestNodeExecutionFailed(t *testing.T) {
	underlying := errors.New("boom")
	err := NodeExecutionFailed("n1", "function", "m1", underlying)

	if err.Kind != KindNodeExecution {
		t.Errorf("Kind = %v, want %v", err.Kind, KindNodeExecution)
	}
	if err.Details["node_id"] != "n1" || err.Details["node_type"] != "function" || err.Details["msg_id"] != "m1" {
		t.Errorf("unexpected details: %+v", err.Details)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestTriggerCeilingExceeded(t *testing.T) {
	err := TriggerCeilingExceeded("n2", 10000)

	if err.Code != CodeTriggerCeiling {
		t.Errorf("Code = %v, want %v", err.Code, CodeTriggerCeiling)
	}
	if err.Details["ceiling"] != 10000 {
		t.Errorf("Details[ceiling] = %v, want 10000", err.Details["ceiling"])
	}
}

func TestCatalogUnreachable(t *testing.T) {
	underlying := errors.New("connection refused")
	err := CatalogUnreachable(underlying)

	if err.Kind != KindFatal {
		t.Errorf("Kind = %v, want %v", err.Kind, KindFatal)
	}
	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
}

func TestWithDuration(t *testing.T) {
	err := Internal("boom", errors.New("x")).WithDuration(42)
	if err.DurationMS != 42 {
		t.Errorf("DurationMS = %d, want 42", err.DurationMS)
	}
}

func TestIsRuntimeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "runtime error", err: Internal("test", nil), want: true},
		{name: "standard error", err: errors.New("standard error"), want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRuntimeError(tt.err); got != tt.want {
				t.Errorf("IsRuntimeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAsRuntimeError(t *testing.T) {
	re := Internal("test", nil)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *RuntimeError
	}{
		{name: "runtime error", err: re, want: re},
		{name: "standard error", err: standardErr, want: nil},
		{name: "nil error", err: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsRuntimeError(tt.err)
			if got != tt.want {
				t.Errorf("AsRuntimeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "runtime error", err: NoIdentity(""), want: http.StatusUnauthorized},
		{name: "standard error", err: errors.New("standard error"), want: http.StatusInternalServerError},
		{name: "nil error", err: nil, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}
