package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"licensegate/internal/config"
	apierrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/middleware"
)

// LicenseHandler serves the activation surface of a gate.
type LicenseHandler struct {
	gate   license.Surface
	errors *apierrors.ErrorHandler
	logger *slog.Logger
	now    func() time.Time

	// flowCtx parents background activation flows so they outlive the
	// request that started them but stop on shutdown.
	flowCtx context.Context
}

// NewLicenseHandler creates a handler. flowCtx bounds the lifetime of online
// activations started through it.
func NewLicenseHandler(flowCtx context.Context, gate license.Surface, errs *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		gate:    gate,
		errors:  errs,
		logger:  logger.With(slog.String("handler", "license")),
		now:     time.Now,
		flowCtx: flowCtx,
	}
}

// LicenseResponse is the UI view of a license. The signed token is never
// returned.
type LicenseResponse struct {
	ID               string                   `json:"id"`
	ActivationMethod license.ActivationMethod `json:"activation_method"`
	IssuedTo         license.Licensee         `json:"issued_to"`
	Product          license.Product          `json:"product"`
	ExpiresAt        *time.Time               `json:"expires_at,omitempty"`
	Perpetual        bool                     `json:"perpetual"`
	Expired          bool                     `json:"expired"`
}

func newLicenseResponse(lic *license.License, now time.Time) *LicenseResponse {
	return &LicenseResponse{
		ID:               lic.ID,
		ActivationMethod: lic.ActivationMethod,
		IssuedTo:         lic.IssuedTo,
		Product:          lic.Product,
		ExpiresAt:        lic.ExpiresAt,
		Perpetual:        lic.Perpetual(),
		Expired:          lic.Expired(now),
	}
}

// StatusResponse acknowledges an operation that completes asynchronously.
type StatusResponse struct {
	Status string `json:"status"`
}

// DeviceTokenResponse tells the user where the device token was written.
type DeviceTokenResponse struct {
	Path string `json:"path"`
}

// Routes mounts the license and activation endpoints.
func (h *LicenseHandler) Routes(r chi.Router) {
	r.Get("/license", h.GetLicense)
	r.Route("/activation", func(r chi.Router) {
		r.Post("/online", h.StartOnline)
		r.Delete("/online", h.CancelOnline)
		r.Post("/device-token", h.GenerateDeviceToken)
		r.With(middleware.ContentTypeValidator(h.errors,
			"text/plain", "application/jwt", "application/octet-stream",
		)).Post("/license-token", h.ImportLicenseToken)
	})
}

// GetLicense handles GET /api/license
func (h *LicenseHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	lic, err := h.gate.CurrentLicense(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if lic == nil {
		h.errors.HandleError(w, r, apierrors.ErrLicenseNotFound)
		return
	}
	render.JSON(w, r, newLicenseResponse(lic, h.now()))
}

// StartOnline handles POST /api/activation/online. The browser URL is
// delivered through the opener and the event stream.
func (h *LicenseHandler) StartOnline(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.WithTraceID(h.flowCtx, middleware.GetRequestID(r.Context()))
	if err := h.gate.StartActivationAsync(ctx); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Online activation started")
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, StatusResponse{Status: "started"})
}

// CancelOnline handles DELETE /api/activation/online
func (h *LicenseHandler) CancelOnline(w http.ResponseWriter, r *http.Request) {
	if !h.gate.CancelActivation() {
		h.errors.HandleError(w, r, apierrors.ErrNoFlowRunning)
		return
	}
	h.logger.InfoContext(r.Context(), "Online activation cancelled")
	render.JSON(w, r, StatusResponse{Status: "cancelled"})
}

// GenerateDeviceToken handles POST /api/activation/device-token
func (h *LicenseHandler) GenerateDeviceToken(w http.ResponseWriter, r *http.Request) {
	path, err := h.gate.GenerateDeviceToken(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, DeviceTokenResponse{Path: path})
}

// ImportLicenseToken handles POST /api/activation/license-token. The body is
// the raw signed token.
func (h *LicenseHandler) ImportLicenseToken(w http.ResponseWriter, r *http.Request) {
	token, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxLicenseTokenSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.errors.HandleError(w, r, apierrors.ErrPayloadTooLarge)
			return
		}
		h.errors.HandleError(w, r, apierrors.ErrInvalidRequest.WithDetail("failed to read request body"))
		return
	}
	if len(token) == 0 {
		h.errors.HandleError(w, r, apierrors.ErrInvalidRequest.WithDetail("license token is empty"))
		return
	}

	lic, err := h.gate.SelectLicenseToken(r.Context(), token)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, newLicenseResponse(lic, h.now()))
}
