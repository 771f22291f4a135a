package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		sentinel  error
		code      string
		retryable bool
	}{
		{
			name:      "network",
			err:       &NetworkError{Operation: "fetch_page", Err: errors.New("dial tcp: refused")},
			sentinel:  ErrNetwork,
			code:      "network_error",
			retryable: true,
		},
		{
			name:     "conflict",
			err:      &ConflictError{Kind: "like", EntityID: "p1", Reason: "mutation already pending"},
			sentinel: ErrConflict,
			code:     "conflict",
		},
		{
			name:     "validation with server code",
			err:      &ValidationError{StatusCode: 422, ErrorCode: "content_too_long", Message: "too long"},
			sentinel: ErrValidation,
			code:     "content_too_long",
		},
		{
			name:     "server",
			err:      &ServerError{StatusCode: 503},
			sentinel: ErrServer,
			code:     "server_error",
		},
		{
			name:      "throttled",
			err:       &ServerError{StatusCode: 429, ErrorCode: "rate_limited"},
			sentinel:  ErrServer,
			code:      "rate_limited",
			retryable: true,
		},
		{
			name:     "malformed",
			err:      &MalformedEventError{Reason: "missing entity id"},
			sentinel: ErrMalformedEvent,
			code:     "malformed_event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("submit: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Fatalf("expected %v to match sentinel %v", wrapped, tt.sentinel)
			}
			if Code(wrapped) != tt.code {
				t.Fatalf("expected code %q, got %q", tt.code, Code(wrapped))
			}
			if Retryable(wrapped) != tt.retryable {
				t.Fatalf("expected retryable=%v", tt.retryable)
			}
		})
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if Code(nil) != "" {
		t.Fatalf("expected empty code for nil error")
	}
	if Code(errors.New("boom")) != "unknown" {
		t.Fatalf("expected unknown code for uncategorized error")
	}
}
