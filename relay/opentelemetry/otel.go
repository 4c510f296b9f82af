package opentelemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
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
)

const telemetrySDKName = "lib-relay"

// ErrNilTelemetryConfig indicates that nil config was provided to InitializeTelemetry.
var ErrNilTelemetryConfig = errors.New("telemetry config cannot be nil")

// TelemetryConfig describes where and as whom telemetry is exported.
type TelemetryConfig struct {
	LibraryName               string `env:"OTEL_LIBRARY_NAME" envDefault:"github.com/LerianStudio/lib-relay"`
	ServiceName               string `env:"OTEL_RESOURCE_SERVICE_NAME" envDefault:"relayd"`
	ServiceVersion            string `env:"OTEL_RESOURCE_SERVICE_VERSION" envDefault:"dev"`
	DeploymentEnv             string `env:"OTEL_RESOURCE_DEPLOYMENT_ENVIRONMENT" envDefault:"local"`
	CollectorExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	EnableTelemetry           bool   `env:"ENABLE_TELEMETRY"`
	Logger                    log.Logger
}

// Telemetry holds the providers built by InitializeTelemetry.
type Telemetry struct {
	TelemetryConfig
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	shutdown       func(ctx context.Context) error
}

func (tl *TelemetryConfig) newResource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(tl.ServiceName),
		semconv.ServiceVersion(tl.ServiceVersion),
		semconv.DeploymentEnvironmentName(tl.DeploymentEnv),
		semconv.TelemetrySDKName(telemetrySDKName),
		semconv.TelemetrySDKLanguageGo,
	)
}

// InitializeTelemetry builds the providers and installs them globally together
// with the TraceContext+Baggage propagator. With EnableTelemetry off, local SDK
// providers without exporters are returned and globals are left untouched.
func InitializeTelemetry(ctx context.Context, cfg *TelemetryConfig) (*Telemetry, error) {
	if cfg == nil {
		return nil, ErrNilTelemetryConfig
	}

	l := cfg.Logger
	if nilcheck.Interface(l) {
		l = log.NewNop()
	}

	if !cfg.EnableTelemetry {
		l.Log(ctx, log.LevelWarn, "telemetry turned off")

		tp := sdktrace.NewTracerProvider()
		mp := sdkmetric.NewMeterProvider()
		lp := sdklog.NewLoggerProvider()

		return &Telemetry{
			TelemetryConfig: *cfg,
			TracerProvider:  tp,
			MeterProvider:   mp,
			LoggerProvider:  lp,
			shutdown: func(ctx context.Context) error {
				return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
			},
		}, nil
	}

	l.Log(ctx, log.LevelInfo, "initializing telemetry", log.String("endpoint", cfg.CollectorExporterEndpoint))

	res := cfg.newResource()

	tExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
	}

	mExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("can't initialize metric exporter: %w", err), tExp.Shutdown(ctx))
	}

	lExp, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlploggrpc.WithInsecure())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("can't initialize logger exporter: %w", err), tExp.Shutdown(ctx), mExp.Shutdown(ctx))
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(tExp), sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(sdkmetric.NewPeriodicReader(mExp)))
	lp := sdklog.NewLoggerProvider(sdklog.WithResource(res), sdklog.WithProcessor(sdklog.NewBatchProcessor(lExp)))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	l.Log(ctx, log.LevelInfo, "telemetry initialized")

	// Providers shut their exporters down.
	shutdown := func(ctx context.Context) error {
		var errs []error

		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("can't shutdown meter provider: %w", err))
		}

		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("can't shutdown tracer provider: %w", err))
		}

		if err := lp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("can't shutdown logger provider: %w", err))
		}

		return errors.Join(errs...)
	}

	return &Telemetry{
		TelemetryConfig: *cfg,
		TracerProvider:  tp,
		MeterProvider:   mp,
		LoggerProvider:  lp,
		shutdown:        shutdown,
	}, nil
}

// Shutdown flushes and stops every provider.
func (tl *Telemetry) Shutdown(ctx context.Context) error {
	if tl == nil || tl.shutdown == nil {
		return nil
	}

	return tl.shutdown(ctx)
}
