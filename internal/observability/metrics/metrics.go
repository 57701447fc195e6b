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

// Metrics exposes request-level instruments for the ingestion and query paths.
type Metrics struct {
	eventsIngested metric.Int64Counter
	eventsQueued   metric.Int64Counter
	eventsRejected metric.Int64Counter
	queries        metric.Int64Counter
	billingSoft    metric.Int64Counter
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
		name = "auditrail"
	}
	meter := provider.Meter(name)

	eventsIngested, err := meter.Int64Counter("auditrail_events_ingested_total")
	if err != nil {
		return nil, err
	}
	eventsQueued, err := meter.Int64Counter("auditrail_events_queued_total")
	if err != nil {
		return nil, err
	}
	eventsRejected, err := meter.Int64Counter("auditrail_events_rejected_total")
	if err != nil {
		return nil, err
	}
	queries, err := meter.Int64Counter("auditrail_queries_total")
	if err != nil {
		return nil, err
	}
	billingSoft, err := meter.Int64Counter("auditrail_billing_soft_limit_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		eventsIngested: eventsIngested,
		eventsQueued:   eventsQueued,
		eventsRejected: eventsRejected,
		queries:        queries,
		billingSoft:    billingSoft,
	}, nil
}

// RecordIngested counts an event committed to its regional store.
func (m *Metrics) RecordIngested(ctx context.Context, region string) {
	if m == nil {
		return
	}
	m.eventsIngested.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("region", region))...))
}

// RecordQueued counts an event diverted to the pending-write queue.
func (m *Metrics) RecordQueued(ctx context.Context, region string) {
	if m == nil {
		return
	}
	m.eventsQueued.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("region", region))...))
}

// RecordRejected counts an admission rejection by reason.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.eventsRejected.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("reason", reason))...))
}

func (m *Metrics) RecordQuery(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.queries.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("scope", scope))...))
}

func (m *Metrics) RecordBillingSoftLimit(ctx context.Context) {
	if m == nil {
		return
	}
	m.billingSoft.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
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
	"region":      {},
	"reason":      {},
	"scope":       {},
	"endpoint":    {},
	"status_code": {},
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
