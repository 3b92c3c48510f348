package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "licensegate/license"
	MeterName  = "licensegate/license"
)

// Flow names used in metric attributes and span names.
const (
	flowOnline      = "online"
	flowOffline     = "offline"
	flowDeviceToken = "device_token"
)

// Metrics holds the license OpenTelemetry instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	GuardDecisions     metric.Int64Counter
	GuardDuration      metric.Float64Histogram
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram
	PollRequests       metric.Int64Counter
	LicenseResets      metric.Int64Counter
}

// NewMetrics creates the license instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.GuardDecisions, err = meter.Int64Counter(
		"license_guard_decisions_total",
		metric.WithDescription("Validation guard decisions by action"),
	); err != nil {
		return nil, fmt.Errorf("failed to create guard decisions counter: %w", err)
	}
	if m.GuardDuration, err = meter.Float64Histogram(
		"license_guard_duration_seconds",
		metric.WithDescription("Validation guard evaluation duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create guard duration histogram: %w", err)
	}
	if m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Activation flows started"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}
	if m.ActivationSuccess, err = meter.Int64Counter(
		"license_activation_success_total",
		metric.WithDescription("Activation flows that stored a license"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}
	if m.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Activation flows that failed, by error kind"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}
	if m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("Activation flow duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}
	if m.PollRequests, err = meter.Int64Counter(
		"license_activation_polls_total",
		metric.WithDescription("Online activation status polls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create poll counter: %w", err)
	}
	if m.LicenseResets, err = meter.Int64Counter(
		"license_resets_total",
		metric.WithDescription("Local licenses cleared after a definitive validation failure"),
	); err != nil {
		return nil, fmt.Errorf("failed to create license resets counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordDecision(ctx context.Context, action Action, cause error, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", action.String()),
		attribute.String("kind", kindAttr(cause)),
	)
	m.GuardDecisions.Add(ctx, 1, attrs)
	m.GuardDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) recordActivationStart(ctx context.Context, flow string) {
	if m == nil {
		return
	}
	m.ActivationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flow)))
}

func (m *Metrics) recordActivationEnd(ctx context.Context, flow string, d time.Duration, err error) {
	if m == nil {
		return
	}
	flowAttr := attribute.String("flow", flow)
	m.ActivationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(flowAttr))
	if err != nil {
		m.ActivationFailures.Add(ctx, 1, metric.WithAttributes(flowAttr, attribute.String("kind", kindAttr(err))))
		return
	}
	m.ActivationSuccess.Add(ctx, 1, metric.WithAttributes(flowAttr))
}

func (m *Metrics) recordPoll(ctx context.Context, pending bool) {
	if m == nil {
		return
	}
	m.PollRequests.Add(ctx, 1, metric.WithAttributes(attribute.Bool("pending", pending)))
}

func (m *Metrics) recordReset(ctx context.Context, cause error) {
	if m == nil {
		return
	}
	m.LicenseResets.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kindAttr(cause))))
}

func kindAttr(err error) string {
	if err == nil {
		return "none"
	}
	return KindOf(err).String()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_kind", KindOf(err).String()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
