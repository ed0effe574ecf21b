package ctxlogger

import (
	"context"
	"sync/atomic"

	"github.com/smallbiznis/medibill/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// resourceKey identifies a domain id carried on the context. Its value is
// also the log field name.
type resourceKey string

const (
	patientKey resourceKey = "patient_id"
	billKey    resourceKey = "billing_record_id"
	sessionKey resourceKey = "payment_session_id"
)

var resourceKeys = [...]resourceKey{patientKey, billKey, sessionKey}

var serviceName atomic.Pointer[string]

// SetServiceName configures the service name added to every log entry.
func SetServiceName(name string) {
	serviceName.Store(&name)
}

func ContextWithPatientID(ctx context.Context, patientID string) context.Context {
	return withResource(ctx, patientKey, patientID)
}

// ContextWithBillID annotates the context with the bill being worked on.
func ContextWithBillID(ctx context.Context, billID string) context.Context {
	return withResource(ctx, billKey, billID)
}

func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return withResource(ctx, sessionKey, sessionID)
}

func withResource(ctx context.Context, key resourceKey, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

// FromContext returns a logger enriched with tracing and correlation metadata from context.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext enriches the provided logger using metadata in the context.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil {
		return base
	}

	fields := make([]zap.Field, 0, 4+len(resourceKeys))
	fields = append(fields, ExtractCorrelation(ctx))
	fields = append(fields, ExtractTrace(ctx)...)

	name := "unknown"
	if namePtr := serviceName.Load(); namePtr != nil {
		name = *namePtr
	}
	fields = append(fields, zap.String("service", name))

	for _, key := range resourceKeys {
		if id, ok := ctx.Value(key).(string); ok && id != "" {
			fields = append(fields, zap.String(string(key), id))
		}
	}

	return base.With(fields...)
}

// ExtractCorrelation pulls the correlation ID from the context.
func ExtractCorrelation(ctx context.Context) zap.Field {
	return zap.String("correlation_id", correlation.ExtractCorrelationID(ctx))
}

// ExtractTrace pulls tracing identifiers from the context span.
func ExtractTrace(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
