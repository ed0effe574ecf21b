package mq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrierRoundTripsTraceContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	carrier := HeaderCarrier{}
	propagator := propagation.TraceContext{}
	propagator.Inject(ctx, carrier)

	assert.Contains(t, carrier.Keys(), "traceparent")

	extracted := trace.SpanContextFromContext(propagator.Extract(context.Background(), carrier))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
}

func TestHeaderCarrierIgnoresNonStringValues(t *testing.T) {
	carrier := HeaderCarrier{"x-retry": int32(3)}
	assert.Equal(t, "", carrier.Get("x-retry"))
}
