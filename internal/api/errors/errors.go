// Package errors defines the edge's error envelope: a structured JSON body
// of the form {"detail": ...} with a code-to-status mapping.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Code identifies an error class.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "AUTHENTICATION_ERROR"
	CodeForbidden    Code = "AUTHORIZATION_ERROR"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeRateLimited  Code = "RATE_LIMIT_EXCEEDED"
	CodeUpstream     Code = "UPSTREAM_UNAVAILABLE"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// APIError is the structured error carried to the client.
type APIError struct {
	Detail    string `json:"detail"`
	Code      Code   `json:"code"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// New creates an API error with the given code and detail message.
func New(code Code, detail string) *APIError {
	return &APIError{
		Detail:    detail,
		Code:      code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithRequestID attaches the request id.
func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

// StatusCode maps the error code to its HTTP status.
func (e *APIError) StatusCode() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Detail)
}

// Write sends the error as its JSON envelope.
func Write(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode())
	json.NewEncoder(w).Encode(err)
}

// Validation creates a 400 error.
func Validation(detail string) *APIError { return New(CodeValidation, detail) }

// Unauthorized creates a 401 error.
func Unauthorized(detail string) *APIError { return New(CodeUnauthorized, detail) }

// Forbidden creates a 403 error.
func Forbidden(detail string) *APIError { return New(CodeForbidden, detail) }

// NotFound creates a 404 error.
func NotFound(resource string) *APIError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// Conflict creates a 409 error.
func Conflict(detail string) *APIError { return New(CodeConflict, detail) }

// Upstream creates a 503 error.
func Upstream(detail string) *APIError { return New(CodeUpstream, detail) }

// Internal creates a 500 error.
func Internal(detail string) *APIError { return New(CodeInternal, detail) }
