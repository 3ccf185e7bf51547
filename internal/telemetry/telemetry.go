// =============================================================================
// BlueprintFlow OpenTelemetry SDK Initialization
// =============================================================================
// Sets up OTLP/gRPC exporters for workflow and node spans plus runtime
// metrics. Disabled telemetry leaves the global providers as noop, so the
// engine's spans cost nothing.
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/BaSui01/blueprintflow/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InstrumentationName is the tracer name used by the engine and the HTTP layer.
const InstrumentationName = "github.com/BaSui01/blueprintflow"

// Providers holds the OTel SDK TracerProvider and MeterProvider.
// When telemetry is disabled, both fields are nil and Shutdown is a no-op.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init initializes the OTel SDK and registers it globally. When cfg.Enabled
// is false it returns noop Providers without dialing any collector.
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))

	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	ctx := context.Background()

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return &Providers{tp: tp, mp: mp}, nil
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(buildVersion()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.ExportInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.ExportInterval))
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	), nil
}

// Tracer returns the tracer for this module. Noop providers fall back to the
// global TracerProvider.
func (p *Providers) Tracer() trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(InstrumentationName)
	}
	return p.tp.Tracer(InstrumentationName)
}

// Shutdown flushes pending spans/metrics and closes exporters.
// Safe to call on noop Providers (nil tp/mp).
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildVersion extracts the module version from Go build info.
// Falls back to "dev" if unavailable.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
