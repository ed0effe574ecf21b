package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// HeaderName is the HTTP and AMQP header carrying the correlation ID.
const HeaderName = "X-Correlation-ID"

type correlationKey struct{}

// ExtractCorrelationID returns the correlation ID on ctx, or "".
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// Metadata is the request identity persisted with an outbox event so the
// relay can publish it under the originating trace.
type Metadata struct {
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Capture reads the identity of ctx. A missing correlation ID is minted so
// every stored event can be followed downstream.
func Capture(ctx context.Context) Metadata {
	m := Metadata{CorrelationID: ExtractCorrelationID(ctx)}
	if m.CorrelationID == "" {
		m.CorrelationID = ulid.Make().String()
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		m.TraceID = sc.TraceID().String()
		m.SpanID = sc.SpanID().String()
	}
	return m
}

func (m Metadata) Map() map[string]any {
	out := map[string]any{"correlation_id": m.CorrelationID}
	if m.TraceID != "" {
		out["trace_id"] = m.TraceID
		out["span_id"] = m.SpanID
	}
	return out
}

// MetadataFromMap is the inverse of Map. Unknown or mistyped keys are
// ignored.
func MetadataFromMap(raw map[string]any) Metadata {
	var m Metadata
	m.CorrelationID, _ = raw["correlation_id"].(string)
	m.TraceID, _ = raw["trace_id"].(string)
	m.SpanID, _ = raw["span_id"].(string)
	return m
}

// Restore puts the correlation ID back on ctx and, when both ids parse,
// makes the captured span the remote parent.
func (m Metadata) Restore(ctx context.Context) context.Context {
	ctx = ContextWithCorrelationID(ctx, m.CorrelationID)

	traceID, err := trace.TraceIDFromHex(m.TraceID)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(m.SpanID)
	if err != nil {
		return ctx
	}
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithSpanContext(ctx, parent)
}
