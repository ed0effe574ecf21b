package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestCaptureMintsCorrelationID(t *testing.T) {
	m := Capture(context.Background())

	assert.Len(t, m.CorrelationID, 26)
	assert.Empty(t, m.TraceID)
	assert.NotContains(t, m.Map(), "trace_id")
}

func TestMetadataRoundTripRestoresParentSpan(t *testing.T) {
	m := Metadata{
		CorrelationID: "01J0000000000000000000CID0",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:        "00f067aa0ba902b7",
	}

	ctx := MetadataFromMap(m.Map()).Restore(context.Background())

	assert.Equal(t, m.CorrelationID, ExtractCorrelationID(ctx))
	sc := trace.SpanContextFromContext(ctx)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, m.TraceID, sc.TraceID().String())
	assert.Equal(t, m.SpanID, sc.SpanID().String())
}

func TestRestoreIgnoresMalformedTrace(t *testing.T) {
	ctx := Metadata{CorrelationID: "cid", TraceID: "nope", SpanID: "nope"}.Restore(context.Background())

	assert.Equal(t, "cid", ExtractCorrelationID(ctx))
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}
