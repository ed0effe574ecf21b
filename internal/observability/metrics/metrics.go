package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes billing-level instruments.
type Metrics struct {
	usageRecorded      metric.Int64Counter
	billsGenerated     metric.Int64Counter
	sessionTransitions metric.Int64Counter
	settlements        metric.Int64Counter
	settlementDuration metric.Float64Histogram
	ledgerEntries      metric.Int64Counter
	outboxRelayed      metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "medibill"
	}
	meter := provider.Meter(name)

	usageRecorded, err := meter.Int64Counter("medibill_usage_recorded_total")
	if err != nil {
		return nil, err
	}
	billsGenerated, err := meter.Int64Counter("medibill_bills_generated_total")
	if err != nil {
		return nil, err
	}
	sessionTransitions, err := meter.Int64Counter("medibill_payment_session_transitions_total")
	if err != nil {
		return nil, err
	}
	settlements, err := meter.Int64Counter("medibill_settlements_total")
	if err != nil {
		return nil, err
	}
	settlementDuration, err := meter.Float64Histogram("medibill_settlement_duration_seconds",
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("medibill_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	outboxRelayed, err := meter.Int64Counter("medibill_outbox_relayed_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageRecorded:      usageRecorded,
		billsGenerated:     billsGenerated,
		sessionTransitions: sessionTransitions,
		settlements:        settlements,
		settlementDuration: settlementDuration,
		ledgerEntries:      ledgerEntries,
		outboxRelayed:      outboxRelayed,
	}, nil
}

// RecordUsage increments recorded usage transactions by kind.
func (m *Metrics) RecordUsage(ctx context.Context, kind string, deduplicated bool) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if deduplicated {
		outcome = "deduplicated"
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("outcome", outcome),
	)
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBillGenerated counts bill generations; superseded is true when a
// prior unpaid bill was replaced.
func (m *Metrics) RecordBillGenerated(ctx context.Context, superseded bool) {
	if m == nil {
		return
	}
	outcome := "created"
	if superseded {
		outcome = "superseded"
	}
	m.billsGenerated.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("outcome", outcome))...))
}

// RecordSessionTransition counts payment session phase changes.
func (m *Metrics) RecordSessionTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_phase", strings.TrimSpace(from)),
		attribute.String("to_phase", strings.TrimSpace(to)),
	)
	m.sessionTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSettlement counts settlement attempts by outcome and their latency.
func (m *Metrics) RecordSettlement(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))...)
	m.settlements.Add(ctx, 1, attrs)
	m.settlementDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(sourceType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOutboxRelay counts relayed outbox events by type and status.
func (m *Metrics) RecordOutboxRelay(ctx context.Context, eventType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.outboxRelayed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"kind":        {},
	"outcome":     {},
	"from_phase":  {},
	"to_phase":    {},
	"event_type":  {},
	"source_type": {},
	"status":      {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
