package telemetry

import (
	"context"
	stderrors "errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/bodhya/bodhya/pkg/errors"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const (
	spanBatchTimeout = time.Second
	metricInterval   = time.Minute
)

// ShutdownFunc flushes and stops whatever InitWithConfig started.
type ShutdownFunc func(context.Context) error

// Config selects where spans and metrics go.
type Config struct {
	Enabled      bool
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

// exporters is the span/metric exporter pair behind one backend.
type exporters struct {
	spans   trace.SpanExporter
	metrics metric.Exporter
}

// InitWithConfig installs global tracer and meter providers for the
// configured exporter. Disabled telemetry leaves the otel no-op globals alone.
func InitWithConfig(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled || cfg.Exporter == ExporterNone {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := buildExporters(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		res = resource.NewSchemaless(semconv.ServiceName(serviceName), semconv.ServiceVersion(version))
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(exp.spans, trace.WithBatchTimeout(spanBatchTimeout)),
	)
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exp.metrics, metric.WithInterval(metricInterval))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		return stderrors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func buildExporters(ctx context.Context, cfg Config) (exporters, error) {
	switch cfg.Exporter {
	case "", ExporterStdout:
		spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return exporters{}, errors.New(errors.CodeConfig, "stdout span exporter", err)
		}
		metrics, err := stdoutmetric.New()
		if err != nil {
			return exporters{}, errors.New(errors.CodeConfig, "stdout metric exporter", err)
		}
		return exporters{spans: spans, metrics: metrics}, nil

	case ExporterOTLP:
		if cfg.OTLPEndpoint == "" {
			return exporters{}, errors.New(errors.CodeConfig, "telemetry.otlp_endpoint is required for the otlp exporter", nil)
		}
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}
		spans, err := otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			return exporters{}, errors.New(errors.CodeConfig, "otlp span exporter", err).WithContext("endpoint", cfg.OTLPEndpoint)
		}
		metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
		if err != nil {
			_ = spans.Shutdown(ctx)
			return exporters{}, errors.New(errors.CodeConfig, "otlp metric exporter", err).WithContext("endpoint", cfg.OTLPEndpoint)
		}
		return exporters{spans: spans, metrics: metrics}, nil

	default:
		return exporters{}, errors.Newf(errors.CodeConfig, "unknown telemetry exporter %q", cfg.Exporter).
			WithContext("exporter", cfg.Exporter)
	}
}
