package errors

import (
	"net/http"
)

// APIError is an error a handler returns to produce a specific problem
// response.
type APIError struct {
	StatusCode int
	Type       string
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Title + ": " + e.Detail
	}
	return e.Title
}

// New creates a new APIError with the given parameters
func New(statusCode int, problemType, title string) *APIError {
	return &APIError{StatusCode: statusCode, Type: problemType, Title: title}
}

// WithDetail returns a copy of e carrying detail.
func (e *APIError) WithDetail(detail string) *APIError {
	c := *e
	c.Detail = detail
	return &c
}

// Predefined errors for the activation surface.
var (
	ErrInvalidRequest  = New(http.StatusBadRequest, TypeValidation, "Invalid Request")
	ErrLicenseNotFound = New(http.StatusNotFound, TypeLicenseNotFound, "No License")
	ErrNoFlowRunning   = New(http.StatusNotFound, TypeNotFound, "No Activation Running")
	ErrPayloadTooLarge = New(http.StatusRequestEntityTooLarge, TypePayloadTooLarge, "License Token Too Large")
	ErrRateLimited     = New(http.StatusTooManyRequests, TypeRateLimit, "Too Many Requests")
)
