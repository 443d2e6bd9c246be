package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusAndCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", fmt.Errorf("%w: empty key", ErrValidation), http.StatusBadRequest, CodeValidation},
		{"too large", fmt.Errorf("upload: %w", ErrTooLarge), http.StatusRequestEntityTooLarge, CodeTooLarge},
		{"not found", fmt.Errorf("lookup: %w", ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"missing bytes", fmt.Errorf("get: %w", ErrMissingBytes), http.StatusNotFound, CodeMissingBytes},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
		{"storage", fmt.Errorf("%w: disk full", ErrStorageIO), http.StatusInternalServerError, CodeStorage},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Status(tt.err); got != tt.status {
				t.Errorf("Status: expected %d, got %d", tt.status, got)
			}
			if got := Code(tt.err); got != tt.code {
				t.Errorf("Code: expected %s, got %s", tt.code, got)
			}
			if Message(tt.err) == "" {
				t.Error("Message must not be empty")
			}
		})
	}
}

func TestMissingBytesIsNotFound(t *testing.T) {
	err := fmt.Errorf("fetch: %w", ErrMissingBytes)
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("missing bytes should match ErrNotFound")
	}
	if errors.Is(fmt.Errorf("lookup: %w", ErrNotFound), ErrMissingBytes) {
		t.Fatal("plain not found must stay distinct from missing bytes")
	}
}
