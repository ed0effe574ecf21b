package tracing

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/medibill/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrorTyper maps a handler error to the type string clients receive.
type ErrorTyper func(err error) string

// GinMiddleware opens a server span per request. Rejected requests (4xx) get
// a "request.rejected" event carrying the error type, server failures mark
// the span as errored.
func GinMiddleware(typeOf ErrorTyper) gin.HandlerFunc {
	tracer := otel.Tracer("medibill/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if cid := correlation.ExtractCorrelationID(ctx); cid != "" {
			span.SetAttributes(attribute.String("correlation_id", cid))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + c.Request.Method + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		)...)

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}
		switch {
		case status >= http.StatusInternalServerError:
			span.RecordError(SafeError(lastErr.Err))
			span.SetStatus(codes.Error, "request error")
		case status >= http.StatusBadRequest && typeOf != nil:
			span.AddEvent("request.rejected", trace.WithAttributes(
				attribute.String("error.type", typeOf(lastErr.Err)),
			))
		}
	}
}
