package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/metric"

	"licensegate/internal/config"
	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/middleware"
)

// RouterConfig wires the activation surface.
type RouterConfig struct {
	// FlowContext parents online activations started over HTTP.
	FlowContext context.Context
	Gate        license.Surface
	// Events serves the websocket event stream. Optional.
	Events http.Handler
	// Metrics serves /metrics. Optional.
	Metrics http.Handler
	// Meter records request metrics. Optional.
	Meter   metric.Meter
	Server  config.ServerConfig
	Version string
	Logger  *slog.Logger
}

// NewRouter builds the chi router of the activation surface.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	flowCtx := cfg.FlowContext
	if flowCtx == nil {
		flowCtx = context.Background()
	}
	errs := apierrors.NewErrorHandler(logger, false)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredLogger(logger.With(slog.String("component", "http"))))
	r.Use(errs.Recoverer)
	r.Use(middleware.SecurityHeaders)
	if cfg.Meter != nil {
		otelMW, err := middleware.NewOTelMiddleware(cfg.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry middleware: %w", err)
		}
		r.Use(otelMW.Handler)
	}
	r.NotFound(errs.NotFound)
	r.MethodNotAllowed(errs.MethodNotAllowed)

	r.Get("/healthz", NewHealthHandler(cfg.Version).Healthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	licenses := NewLicenseHandler(flowCtx, cfg.Gate, errs, logger)
	r.Route("/api", func(r chi.Router) {
		if rl := cfg.Server.RateLimit; rl.Enabled && rl.RPS > 0 {
			r.Use(middleware.NewRateLimiter(rl.RPS, max(rl.Burst, 1), errs, logger).Handler)
		}
		licenses.Routes(r)
		if cfg.Events != nil {
			r.Method(http.MethodGet, "/events", cfg.Events)
		}
	})
	return r, nil
}
