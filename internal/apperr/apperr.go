// Package apperr defines the error categories shared by the transfer core and
// the stable status/code each one renders as at the HTTP boundary.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation is returned for a missing or malformed key or payload.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when no catalog record matches a key.
	ErrNotFound = errors.New("file not found")
	// ErrMissingBytes is returned when the catalog has a record but the storage
	// backend does not hold its bytes. It matches ErrNotFound under errors.Is.
	ErrMissingBytes error = &missingBytesError{}
	// ErrRateLimited is returned when a source has used up its daily allowance.
	ErrRateLimited = errors.New("daily limit exceeded")
	// ErrTooLarge is returned when an upload exceeds the configured body ceiling.
	ErrTooLarge error = &tooLargeError{}
	// ErrStorageIO is returned for transient storage backend faults.
	ErrStorageIO = errors.New("storage backend failure")
	// ErrConfiguration is returned for an unsupported or misconfigured setup.
	ErrConfiguration = errors.New("invalid configuration")
)

type missingBytesError struct{}

func (*missingBytesError) Error() string        { return "stored bytes missing" }
func (*missingBytesError) Is(target error) bool { return target == ErrNotFound }

type tooLargeError struct{}

func (*tooLargeError) Error() string        { return "file too large" }
func (*tooLargeError) Is(target error) bool { return target == ErrValidation }

// Codes rendered in error bodies.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeTooLarge     = "FILE_TOO_LARGE"
	CodeNotFound     = "NOT_FOUND"
	CodeMissingBytes = "MISSING_BYTES"
	CodeRateLimited  = "RATE_LIMITED"
	CodeStorage      = "STORAGE_ERROR"
	CodeInternal     = "INTERNAL_ERROR"
)

// Status maps err to the HTTP status the transport should answer with.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code maps err to a stable machine-readable code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrTooLarge):
		return CodeTooLarge
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrMissingBytes):
		return CodeMissingBytes
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrStorageIO):
		return CodeStorage
	default:
		return CodeInternal
	}
}

// Message returns the fixed user-facing text for err's category. Driver and
// filesystem detail never reaches the caller.
func Message(err error) string {
	switch Code(err) {
	case CodeTooLarge:
		return "File too large"
	case CodeValidation:
		return "Invalid request"
	case CodeMissingBytes:
		return "File not found on the server"
	case CodeNotFound:
		return "File not found"
	case CodeRateLimited:
		return "Daily limit exceeded"
	case CodeStorage:
		return "Storage backend unavailable"
	default:
		return "Internal server error"
	}
}
