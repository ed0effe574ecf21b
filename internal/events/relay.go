package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	obsmetrics "github.com/smallbiznis/medibill/internal/observability/metrics"
	"github.com/smallbiznis/medibill/internal/observability/tracing"
	"github.com/smallbiznis/medibill/pkg/mq"
	"github.com/smallbiznis/medibill/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MessagePublisher is the broker side of the relay.
type MessagePublisher interface {
	Publish(ctx context.Context, key string, body []byte, headers map[string]any) error
}

type envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

type RelayParams struct {
	fx.In

	Outbox     *Outbox
	Publisher  MessagePublisher    `optional:"true"`
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Relay moves outbox rows to the broker. Delivery is at least once.
type Relay struct {
	outbox     *Outbox
	publisher  MessagePublisher
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
	batchSize  int
}

func NewRelay(p RelayParams) *Relay {
	return &Relay{
		outbox:     p.Outbox,
		publisher:  p.Publisher,
		log:        p.Log.Named("events.relay"),
		obsMetrics: p.ObsMetrics,
		batchSize:  100,
	}
}

// Enabled reports whether a broker is configured.
func (r *Relay) Enabled() bool {
	return r != nil && r.publisher != nil
}

// RunOnce relays one batch and returns how many events were published. It
// stops at the first broker failure so ordering is kept for the next run.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}

	pending, err := r.outbox.Pending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, event := range pending {
		if err := r.relay(ctx, event); err != nil {
			r.obsMetrics.RecordOutboxRelay(ctx, event.EventType, "failed")
			if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
				r.log.Warn("failed to record relay failure", zap.String("event_id", event.ID.String()), zap.Error(markErr))
			}
			return published, fmt.Errorf("%w: %v", obsmetrics.ErrBrokerUnavailable, err)
		}
		if err := r.outbox.MarkPublished(ctx, event.ID); err != nil {
			return published, err
		}
		r.obsMetrics.RecordOutboxRelay(ctx, event.EventType, "published")
		published++
	}
	return published, nil
}

func (r *Relay) relay(ctx context.Context, event OutboxEvent) error {
	raw, _ := event.Payload["metadata"].(map[string]any)
	meta := correlation.MetadataFromMap(raw)
	cid := meta.CorrelationID
	ctx = meta.Restore(ctx)
	ctx, span := otel.Tracer("medibill/events").Start(ctx, "outbox.relay "+event.EventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event_type", event.EventType),
			attribute.String("event_id", event.ID.String()),
		),
	)
	defer span.End()

	body, err := json.Marshal(envelope{
		ID:        event.ID.String(),
		Type:      event.EventType,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		span.SetStatus(codes.Error, "marshal")
		return err
	}

	headers := mq.HeaderCarrier{}
	tracing.InjectContext(ctx, headers)
	if cid != "" {
		headers[correlation.HeaderName] = cid
	}

	if err := r.publisher.Publish(ctx, event.EventType, body, headers); err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "publish")
		return err
	}
	return nil
}
