// Package telemetry wires the OpenTelemetry SDK: OTLP exporters, a
// Prometheus scrape registry, and the instruments the crawl and scan
// paths record into.
package telemetry

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/types"
)

// Provider wraps OTEL tracer and meter providers plus the domain
// instruments.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry

	crawlDuration  metric.Float64Histogram
	resourcesSeen  metric.Int64Counter
	softErrors     metric.Int64Counter
	scanDuration   metric.Float64Histogram
	violationsSeen metric.Int64Counter
}

// NewProvider creates a telemetry provider from config.
func NewProvider(ctx context.Context, cfg config.OTELConfig) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res); err != nil {
		if p.tracerProvider != nil {
			_ = p.tracerProvider.Shutdown(ctx)
		}
		return nil, err
	}

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate)
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer("vahti")

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	if cfg.Metrics.Enabled {
		p.registry = promclient.NewRegistry()
		reader, err := otelprom.New(otelprom.WithRegisterer(p.registry))
		if err != nil {
			return fmt.Errorf("create prometheus reader: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter("vahti")

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initInstruments() error {
	var err error

	p.crawlDuration, err = p.meter.Float64Histogram(
		"vahti_crawl_duration_seconds",
		metric.WithDescription("Duration of inventory cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create crawl_duration: %w", err)
	}

	p.resourcesSeen, err = p.meter.Int64Counter(
		"vahti_resources_crawled_total",
		metric.WithDescription("Total resources written to snapshots"),
	)
	if err != nil {
		return fmt.Errorf("create resources_crawled: %w", err)
	}

	p.softErrors, err = p.meter.Int64Counter(
		"vahti_crawl_soft_errors_total",
		metric.WithDescription("Total per-resource crawl failures"),
	)
	if err != nil {
		return fmt.Errorf("create soft_errors: %w", err)
	}

	p.scanDuration, err = p.meter.Float64Histogram(
		"vahti_scan_duration_seconds",
		metric.WithDescription("Duration of scanner runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create scan_duration: %w", err)
	}

	p.violationsSeen, err = p.meter.Int64Counter(
		"vahti_violations_total",
		metric.WithDescription("Total violations recorded"),
	)
	if err != nil {
		return fmt.Errorf("create violations: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Registry returns the Prometheus registry backing the scrape
// endpoint, nil when metrics are disabled.
func (p *Provider) Registry() *promclient.Registry {
	return p.registry
}

// RecordCrawl records one completed inventory cycle.
func (p *Provider) RecordCrawl(ctx context.Context, cycle types.InventoryCycle, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", string(cycle.Status)))
	p.crawlDuration.Record(ctx, d.Seconds(), attrs)
	p.resourcesSeen.Add(ctx, int64(cycle.ResourceCount), attrs)
	p.softErrors.Add(ctx, int64(cycle.SoftErrors), attrs)
}

// RecordScan records one completed scanner run.
func (p *Provider) RecordScan(ctx context.Context, scanner string, violations int, d time.Duration, failed bool) {
	status := "completed"
	if failed {
		status = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.String("scanner", scanner),
		attribute.String("status", status))
	p.scanDuration.Record(ctx, d.Seconds(), attrs)
	p.violationsSeen.Add(ctx, int64(violations), attrs)
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
