// Package domainerrors defines coded errors for the evidence pipeline.
//
// Services return these so the transport layer can map them onto problem
// responses without inspecting error strings. Infrastructure layers return
// sentinel errors (pkg/platform/sentinel) instead; services translate.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Codes are part of the API surface and
// appear verbatim in problem responses, so treat them as frozen.
type Code string

const (
	CodeSchemaValidation    Code = "SCHEMA_VALIDATION_FAILED"
	CodeIntegrityMismatch   Code = "INTEGRITY_MISMATCH"
	CodeGpsAccuracy         Code = "GPS_ACCURACY_EXCEEDED"
	CodeTimeDrift           Code = "TIME_DRIFT_EXCEEDED"
	CodeMimeMismatch        Code = "MIME_MISMATCH"
	CodeFileTooLarge        Code = "FILE_TOO_LARGE"
	CodeDuplicateContent    Code = "DUPLICATE_CONTENT"
	CodeDuplicateEvidenceID Code = "DUPLICATE_EVIDENCE_ID"
	CodeKeyConflict         Code = "IDEMPOTENCY_KEY_CONFLICT"
	CodeUnreadableSource    Code = "UNREADABLE_SOURCE"
	CodeStorageWrite        Code = "STORAGE_WRITE_FAILED"
	CodeRateLimited         Code = "RATE_LIMIT_EXCEEDED"
	CodeUnauthorized        Code = "AUTHENTICATION_REQUIRED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeTimeout             Code = "TIMEOUT"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error carries a code, a human-readable message, and optional structured
// detail that the transport layer includes in the problem response.
type Error struct {
	Code    Code
	Message string
	Detail  map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetail adds a structured detail entry and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// CodeOf extracts the Code from an error chain, or CodeInternal if the chain
// carries no coded error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Is reports whether the error chain contains a coded error with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
