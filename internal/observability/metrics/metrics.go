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

// Metrics exposes application-level instruments.
type Metrics struct {
	transactions    metric.Int64Counter
	usageRecords    metric.Int64Counter
	pricingLookups  metric.Int64Counter
	syncRuns        metric.Int64Counter
	pricingChanges  metric.Int64Counter
	providerFetches metric.Int64Counter
	rateLimitDenied metric.Int64Counter
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
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterline"
	}
	meter := provider.Meter(name)

	transactions, err := meter.Int64Counter("meterline_transactions_total")
	if err != nil {
		return nil, err
	}
	usageRecords, err := meter.Int64Counter("meterline_usage_records_total")
	if err != nil {
		return nil, err
	}
	pricingLookups, err := meter.Int64Counter("meterline_pricing_lookups_total")
	if err != nil {
		return nil, err
	}
	syncRuns, err := meter.Int64Counter("meterline_pricing_sync_runs_total")
	if err != nil {
		return nil, err
	}
	pricingChanges, err := meter.Int64Counter("meterline_pricing_changes_total")
	if err != nil {
		return nil, err
	}
	providerFetches, err := meter.Int64Counter("meterline_provider_fetches_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("meterline_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transactions:    transactions,
		usageRecords:    usageRecords,
		pricingLookups:  pricingLookups,
		syncRuns:        syncRuns,
		pricingChanges:  pricingChanges,
		providerFetches: providerFetches,
		rateLimitDenied: rateLimitDenied,
	}, nil
}

// RecordTransaction increments ledger transaction counts by type.
func (m *Metrics) RecordTransaction(ctx context.Context, txnType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(txnType)))
	m.transactions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsage increments billed usage record counts by status.
func (m *Metrics) RecordUsage(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.usageRecords.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPricingLookup increments pricing cache lookups by resolution source.
func (m *Metrics) RecordPricingLookup(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(source)))
	m.pricingLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSyncRun increments pricing-sync run counts.
func (m *Metrics) RecordSyncRun(ctx context.Context, status string, dryRun bool) {
	if m == nil {
		return
	}
	mode := "apply"
	if dryRun {
		mode = "dry_run"
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("event_type", mode),
	)
	m.syncRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPricingChange increments applied change counts.
func (m *Metrics) RecordPricingChange(ctx context.Context, provider, changeType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(changeType)),
	)
	m.pricingChanges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProviderFetch increments per-provider fetch outcomes.
func (m *Metrics) RecordProviderFetch(ctx context.Context, provider string, success bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("status", status),
	)
	m.providerFetches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
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
	"endpoint":    {},
	"status_code": {},
	"status":      {},
	"provider":    {},
	"event_type":  {},
	"source_type": {},
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
