// Package observability provides OpenTelemetry tracing and metrics for
// Hedwig.
//
// A Provider built with Enabled=false hands out no-op instruments, so
// components record unconditionally.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sahan-penakalapati/hedwig/pkg/logging"
)

const instrumentationName = "github.com/sahan-penakalapati/hedwig"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string        // e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	ExportInterval time.Duration // metric export interval
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns telemetry disabled, ready to be switched on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "hedwig",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers and Hedwig's instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *logging.Logger

	decisions       metric.Int64Counter
	toolInvocations metric.Int64Counter
	toolDuration    metric.Float64Histogram
	tasks           metric.Int64Counter
	activeTasks     metric.Int64UpDownCounter
}

// Option customizes a Provider.
type Option func(*options)

type options struct {
	logger *logging.Logger
	reader sdkmetric.Reader
}

func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReader records metrics into reader instead of exporting over OTLP.
// Tests pass a sdkmetric.ManualReader.
func WithReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.reader = r }
}

// New creates a provider. Without Enabled and without a reader it is a no-op.
func New(ctx context.Context, config *Config, opts ...Option) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	o := options{logger: logging.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Provider{
		config: config,
		logger: o.logger.Named("observability"),
	}

	switch {
	case o.reader != nil:
		p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(o.reader))
		p.meter = p.meterProvider.Meter(instrumentationName)
		p.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	case !config.Enabled:
		p.meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
		p.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
		p.logger.Debug(ctx, "telemetry disabled")
	default:
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init metric provider: %w", err)
		}
		p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
		p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
		p.logger.Info(ctx, "telemetry initialized",
			zap.String("service", config.ServiceName),
			zap.String("endpoint", config.OTLPEndpoint),
			zap.Float64("sample_rate", config.SampleRate),
			zap.Bool("insecure", config.Insecure),
		)
	}

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return p, nil
}

// Nop returns a disabled provider.
func Nop() *Provider {
	p, _ := New(context.Background(), &Config{})
	return p
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.decisions, err = p.meter.Int64Counter("hedwig.gateway.decisions",
		metric.WithDescription("Gateway authorization decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.toolInvocations, err = p.meter.Int64Counter("hedwig.tool.invocations",
		metric.WithDescription("Tool invocations by outcome kind"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return err
	}

	p.toolDuration, err = p.meter.Float64Histogram("hedwig.tool.duration",
		metric.WithDescription("Tool invocation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30, 60, 300),
	)
	if err != nil {
		return err
	}

	p.tasks, err = p.meter.Int64Counter("hedwig.tasks",
		metric.WithDescription("Task state transitions"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	p.activeTasks, err = p.meter.Int64UpDownCounter("hedwig.tasks.active",
		metric.WithDescription("Tasks currently holding a worker"),
		metric.WithUnit("{task}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.Error(ctx, "failed to shutdown trace provider", zap.Error(err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.Error(ctx, "failed to shutdown metric provider", zap.Error(err))
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// RecordDecision counts one gateway verdict.
func (p *Provider) RecordDecision(ctx context.Context, verdict, tier string) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(AttrVerdict.String(verdict), AttrTier.String(tier)))
}

// RecordTool counts one invocation and records its duration. kind is empty
// on success.
func (p *Provider) RecordTool(ctx context.Context, tool, kind string, d time.Duration) {
	if kind == "" {
		kind = "ok"
	}
	attrs := metric.WithAttributes(AttrTool.String(tool), AttrKind.String(kind))
	p.toolInvocations.Add(ctx, 1, attrs)
	p.toolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrTool.String(tool)))
}

// RecordTaskState counts a task entering state.
func (p *Provider) RecordTaskState(ctx context.Context, state string) {
	p.tasks.Add(ctx, 1, metric.WithAttributes(AttrTaskState.String(state)))
}

// TrackTask opens a span for a task holding a worker. The returned func ends
// it and must be called exactly once.
func (p *Provider) TrackTask(ctx context.Context, taskID, threadID string) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{AttrTaskID.String(taskID), AttrThreadID.String(threadID)}
	ctx, span := p.StartSpan(ctx, "hedwig.task",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.activeTasks.Add(ctx, 1)
	return ctx, func(err error) {
		p.activeTasks.Add(ctx, -1)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
