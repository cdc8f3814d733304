package opentelemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-reliable/reliable/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilTelemetryLogger is returned when TelemetryConfig.Logger is nil.
var ErrNilTelemetryLogger = errors.New("telemetry config logger cannot be nil")

// TelemetryConfig configures NewTelemetry.
type TelemetryConfig struct {
	LibraryName               string
	ServiceName               string
	ServiceVersion            string
	DeploymentEnv             string
	CollectorExporterEndpoint string
	EnableTelemetry           bool
	Logger                    log.Logger
}

// Telemetry holds the SDK providers created by NewTelemetry.
type Telemetry struct {
	TelemetryConfig
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	shutdown       []func(context.Context) error
}

func (cfg *TelemetryConfig) resource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.DeploymentEnv),
		semconv.TelemetrySDKLanguageGo,
	)
}

// NewTelemetry creates trace, metric and log providers. When telemetry is
// disabled the providers are created without exporters.
func NewTelemetry(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.Logger == nil {
		return nil, ErrNilTelemetryLogger
	}

	if !cfg.EnableTelemetry {
		cfg.Logger.Log(ctx, log.LevelWarn, "telemetry disabled")

		return &Telemetry{
			TelemetryConfig: cfg,
			TracerProvider:  sdktrace.NewTracerProvider(),
			MeterProvider:   sdkmetric.NewMeterProvider(),
			LoggerProvider:  sdklog.NewLoggerProvider(),
		}, nil
	}

	res := cfg.resource()

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize metric exporter: %w", err)
	}

	logExporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlploggrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize logger exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter), sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	cfg.Logger.Log(ctx, log.LevelInfo, "telemetry initialized",
		log.String("collector_endpoint", cfg.CollectorExporterEndpoint))

	return &Telemetry{
		TelemetryConfig: cfg,
		TracerProvider:  tp,
		MeterProvider:   mp,
		LoggerProvider:  lp,
		shutdown:        []func(context.Context) error{mp.Shutdown, tp.Shutdown, lp.Shutdown},
	}, nil
}

// ApplyGlobals registers the providers and the W3C propagators globally.
func (tl *Telemetry) ApplyGlobals() {
	otel.SetTracerProvider(tl.TracerProvider)
	otel.SetMeterProvider(tl.MeterProvider)
	global.SetLoggerProvider(tl.LoggerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
}

// Tracer returns a tracer named after the library.
//
//nolint:ireturn
func (tl *Telemetry) Tracer() trace.Tracer {
	return tl.TracerProvider.Tracer(tl.LibraryName)
}

// Shutdown flushes and stops every provider, returning the joined errors.
func (tl *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	for _, fn := range tl.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
