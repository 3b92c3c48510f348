package license

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// actionLogger writes the license audit trail. Every entry carries the action
// and its result; license identifiers and e-mails are masked.
type actionLogger struct {
	slog *slog.Logger
}

func newActionLogger(logger *slog.Logger) *actionLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &actionLogger{slog: logger.With(slog.String("component", "license"))}
}

func (l *actionLogger) log(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	all := make([]slog.Attr, 0, len(attrs)+3)
	all = append(all,
		slog.String("action", action),
		slog.String("result", result),
	)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		all = append(all, slog.String("span_id", sc.SpanID().String()))
	}
	all = append(all, attrs...)
	l.slog.LogAttrs(ctx, level, result, all...)
}

func (l *actionLogger) license(ctx context.Context, level slog.Level, action, result string, lic *License, attrs ...slog.Attr) {
	if lic != nil {
		attrs = append(attrs,
			slog.String("license_id", MaskID(lic.ID)),
			slog.String("activation_method", string(lic.ActivationMethod)),
			slog.String("product_id", lic.Product.ID),
		)
		if lic.IssuedTo.Email != "" {
			attrs = append(attrs, slog.String("issued_to", MaskEmail(lic.IssuedTo.Email)))
		}
		if lic.ExpiresAt != nil {
			attrs = append(attrs, slog.Time("expires_at", *lic.ExpiresAt))
		}
	}
	l.log(ctx, level, action, result, attrs...)
}

func (l *actionLogger) failure(ctx context.Context, action, result string, err error, attrs ...slog.Attr) {
	attrs = append(attrs,
		slog.String("error", err.Error()),
		slog.String("error_kind", KindOf(err).String()),
	)
	l.log(ctx, slog.LevelError, action, result, attrs...)
}

// MaskID keeps the first and last four characters of an identifier.
func MaskID(id string) string {
	if len(id) <= 8 {
		return "****"
	}
	return id[:4] + "****" + id[len(id)-4:]
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "****"
	}
	return email[:1] + "***" + email[at:]
}
