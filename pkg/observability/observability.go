// Package observability sets up OpenTelemetry tracing and metrics for
// stargate and exposes RED (rate, errors, duration) helpers.
//
// Domain packages obtain their tracers and meters from the global otel
// providers, so they report through whatever New installed, or through
// the no-op defaults when telemetry is disabled.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/Mindburn-Labs/stargate"

// Metric names recorded by TrackOperation.
const (
	MetricOperations = "stargate.operations"
	MetricFailures   = "stargate.operation.failures"
	MetricLatency    = "stargate.operation.latency"
	MetricInFlight   = "stargate.operations.in_flight"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC collector, host:port
	SampleRate     float64 // fraction of root spans kept
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "stargate",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Insecure:       true,
	}
}

// instruments are the RED instruments shared by every tracked operation.
type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
}

func newInstruments(m metric.Meter) (*instruments, error) {
	ops, err1 := m.Int64Counter(MetricOperations,
		metric.WithDescription("Operations started"), metric.WithUnit("{operation}"))
	fails, err2 := m.Int64Counter(MetricFailures,
		metric.WithDescription("Operations that returned an error"), metric.WithUnit("{operation}"))
	lat, err3 := m.Float64Histogram(MetricLatency,
		metric.WithDescription("Operation latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30))
	inflight, err4 := m.Int64UpDownCounter(MetricInFlight,
		metric.WithDescription("Operations currently running"), metric.WithUnit("{operation}"))
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, err
	}
	return &instruments{operations: ops, failures: fails, latency: lat, inFlight: inflight}, nil
}

// Provider owns the trace and metric providers. The zero value is usable
// and reports to the global (no-op) providers.
type Provider struct {
	cfg    *Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	inst   *instruments
	logger *slog.Logger
}

// New creates a provider. When cfg.Enabled is false nothing is installed
// and TrackOperation only starts no-op spans.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	spanExp, metricExp, err := exporters(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(cfg.ExportInterval))),
	)
	if err := p.install(tp, mp); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry exporting",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

func exporters(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: span exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	return spans, metrics, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// install makes tp and mp global and creates the RED instruments.
func (p *Provider) install(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) error {
	p.tp, p.mp = tp, mp
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	version := ""
	if p.cfg != nil {
		version = p.cfg.ServiceVersion
	}
	p.tracer = tp.Tracer(instrumentation, trace.WithInstrumentationVersion(version))
	inst, err := newInstruments(mp.Meter(instrumentation, metric.WithInstrumentationVersion(version)))
	if err != nil {
		return fmt.Errorf("observability: instruments: %w", err)
	}
	p.inst = inst
	return nil
}

// Shutdown flushes pending spans and metrics. Failures are logged.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil && p.logger != nil {
		p.logger.ErrorContext(ctx, "telemetry shutdown", "error", err)
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer != nil {
		return p.tracer
	}
	return otel.Tracer(instrumentation)
}

// TrackOperation starts a span named name and counts the operation. The
// returned func must be called once with the operation's outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.Tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
	inst := p.inst
	if inst == nil {
		return ctx, func(err error) {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}

	started := time.Now()
	opt := metric.WithAttributes(attrs...)
	inst.operations.Add(ctx, 1, opt)
	inst.inFlight.Add(ctx, 1, opt)
	return ctx, func(err error) {
		inst.inFlight.Add(ctx, -1, opt)
		inst.latency.Record(ctx, time.Since(started).Seconds(), opt)
		if err != nil {
			span.RecordError(err)
			failed := append(attrs[:len(attrs):len(attrs)], attribute.String("error.type", fmt.Sprintf("%T", err)))
			inst.failures.Add(ctx, 1, metric.WithAttributes(failed...))
		}
		span.End()
	}
}
