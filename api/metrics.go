package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("boardsync/api")

// requestMetrics collects per-request timings and emits them as one log line
// when the request ends.
type requestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	route          string
	start          time.Time
	authDuration   time.Duration
	handleDuration time.Duration
	replayed       bool
	errorStage     string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route string) (context.Context, *requestMetrics) {
	ctx, span := tracer.Start(ctx, "api "+route, trace.WithSpanKind(trace.SpanKindServer))
	return ctx, &requestMetrics{logger: logger, span: span, route: route, start: time.Now()}
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveHandle(d time.Duration) {
	if d > 0 {
		m.handleDuration = d
	}
}

func (m *requestMetrics) SetReplayed() { m.replayed = true }

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// End closes the span and logs the request.
func (m *requestMetrics) End(status int, err error) {
	if m == nil {
		return
	}
	m.span.SetAttributes(
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Bool("idempotent_replay", m.replayed),
	)
	if err != nil || status >= 500 {
		m.span.SetStatus(codes.Error, m.errorStage)
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
		"replayed": m.replayed,
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.handleDuration > 0 {
		fields["handle_ms"] = durationToMillis(m.handleDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("api.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
