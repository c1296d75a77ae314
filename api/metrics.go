package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestSpanName   = "http.request"
	requestLogMessage = "http.request.metrics"
)

type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time
	route  string
	method string
}

func newRequestMetrics(c echo.Context, logger *log.Logger) *requestMetrics {
	route := c.Path()
	if route == "" {
		route = c.Request().URL.Path
	}
	ctx, span := otel.Tracer("todo-api/api").Start(c.Request().Context(), requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.route", route),
			attribute.String("http.method", c.Request().Method),
		))
	c.SetRequest(c.Request().WithContext(ctx))
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		route:  route,
		method: c.Request().Method,
	}
}

func (m *requestMetrics) Log(status int, err error) {
	total := durationToMillis(time.Since(m.start))
	text, number := severityForStatus(status, err)

	m.span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Float64("http.total_ms", total),
	)
	if err != nil || status >= http.StatusInternalServerError {
		desc := http.StatusText(status)
		if err != nil {
			m.span.RecordError(err)
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	fields := log.Fields{
		"route":           m.route,
		"method":          m.method,
		"status":          status,
		"total_ms":        total,
		"severity_text":   text,
		"severity_number": number,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	entry := m.logger.WithFields(fields)
	switch text {
	case "ERROR":
		entry.Error(requestLogMessage)
	case "WARN":
		entry.Warn(requestLogMessage)
	default:
		entry.Info(requestLogMessage)
	}
}

// severityForStatus maps a response onto OpenTelemetry log severities.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// RequestMetrics traces every request and logs one metrics line per response.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m := newRequestMetrics(c, logger)
			err := next(c)
			status := c.Response().Status
			logged := err
			var he *echo.HTTPError
			switch {
			case errors.As(err, &he):
				status = he.Code
				if status < http.StatusInternalServerError {
					logged = nil
				}
			case err != nil && !c.Response().Committed:
				status = http.StatusInternalServerError
			}
			m.Log(status, logged)
			return err
		}
	}
}
