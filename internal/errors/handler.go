package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"licensegate/internal/license"
)

// Common error types following RFC 7807
const (
	TypeValidation      = "/errors/validation"
	TypeNotFound        = "/errors/not-found"
	TypeMethod          = "/errors/method-not-allowed"
	TypeRateLimit       = "/errors/rate-limit"
	TypeInternal        = "/errors/internal"
	TypeServiceDown     = "/errors/service-unavailable"
	TypeTimeout         = "/errors/timeout"
	TypePayloadTooLarge = "/errors/payload-too-large"
)

// License error types
const (
	TypeLicenseNotFound     = "/errors/license/not-found"
	TypeLicenseStorage      = "/errors/license/storage"
	TypeActivationRequest   = "/errors/license/activation-request-failed"
	TypeLicenseExpired      = "/errors/license/expired"
	TypeLicenseInvalid      = "/errors/license/invalid"
	TypeLicenseRevoked      = "/errors/license/revoked"
	TypeDeviceToken         = "/errors/license/device-token"
	TypeInvalidLicenseToken = "/errors/license/invalid-token"
	TypeFlowInProgress      = "/errors/license/flow-in-progress"
	TypeActivationCancelled = "/errors/license/activation-cancelled"
)

type kindProblem struct {
	status int
	typ    string
	title  string
}

var kindProblems = map[license.Kind]kindProblem{
	license.KindStorage:                 {http.StatusInternalServerError, TypeLicenseStorage, "License Storage Failed"},
	license.KindActivationRequestFailed: {http.StatusBadGateway, TypeActivationRequest, "Activation Request Failed"},
	license.KindLicenseExpired:          {http.StatusForbidden, TypeLicenseExpired, "License Expired"},
	license.KindLicenseInvalid:          {http.StatusForbidden, TypeLicenseInvalid, "License Invalid"},
	license.KindLicenseRevoked:          {http.StatusForbidden, TypeLicenseRevoked, "License Revoked"},
	license.KindDeviceToken:             {http.StatusInternalServerError, TypeDeviceToken, "Device Token Failed"},
	license.KindInvalidLicenseToken:     {http.StatusUnprocessableEntity, TypeInvalidLicenseToken, "Invalid License Token"},
	license.KindTransient:               {http.StatusServiceUnavailable, TypeServiceDown, "Licensing Service Unavailable"},
}

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	reqID := middleware.GetReqID(r.Context())
	problem := h.ErrorToProblem(err, r)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	problem.WithExtension("trace_id", reqID)
	_ = render.Render(w, r, problem)
}

// ErrorToProblem converts an error to RFC 7807 Problem Details. License
// errors map by kind; the error text is only exposed for kinds the user can
// act on.
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return NewProblemDetails(apiErr.StatusCode, apiErr.Type, apiErr.Title, apiErr.Detail, r.URL.Path)
	}

	if errors.Is(err, license.ErrFlowInProgress) {
		return NewProblemDetails(http.StatusConflict, TypeFlowInProgress, "Activation In Progress",
			err.Error(), r.URL.Path)
	}

	kind := license.KindOf(err)
	if p, ok := kindProblems[kind]; ok {
		detail := err.Error()
		if p.status >= http.StatusInternalServerError && kind != license.KindTransient {
			detail = "The license operation failed; see the application log"
		}
		return NewProblemDetails(p.status, p.typ, p.title, detail, r.URL.Path).
			WithExtension("error_kind", kind.String())
	}

	if errors.Is(err, context.Canceled) {
		return NewProblemDetails(http.StatusConflict, TypeActivationCancelled, "Activation Cancelled",
			"The activation was cancelled before it completed", r.URL.Path)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout, "Request Timeout",
			"The request took too long to process and was cancelled", r.URL.Path)
	}

	return NewProblemDetails(http.StatusInternalServerError, TypeInternal, "Internal Server Error",
		"An unexpected error occurred", r.URL.Path)
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered any) {
	reqID := middleware.GetReqID(r.Context())
	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", reqID)
	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
	}
	_ = render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found",
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))
	_ = render.Render(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeMethod,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))
	_ = render.Render(w, r, problem)
}

// Recoverer turns handler panics into problem responses.
func (h *ErrorHandler) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.HandlePanic(w, r, rec)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
