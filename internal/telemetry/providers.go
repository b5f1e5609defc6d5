package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// PushInterval is how often metrics are pushed to the OTLP collector
const PushInterval = 60 * time.Second

// exportTarget identifies the service and the collector it reports to
type exportTarget struct {
	serviceName    string
	serviceVersion string
	endpoint       string
	insecure       bool
}

func targetOf(c *Config) exportTarget {
	return exportTarget{
		serviceName:    c.GetServiceName(),
		serviceVersion: c.GetServiceVersion(),
		endpoint:       c.GetEndpoint(),
		insecure:       c.GetInsecure(),
	}
}

func (t exportTarget) resource(ctx context.Context) (*resource.Resource, error) {
	// resource.New rather than resource.Default, whose schema URL may conflict
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(t.serviceName),
			semconv.ServiceVersion(t.serviceVersion),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// newTracerProvider exports sampled spans to the collector, or returns a
// no-op provider when tc does not enable tracing.
func newTracerProvider(ctx context.Context, target exportTarget, tc *TracingConfig) (trace.TracerProvider, error) {
	if tc == nil || !tc.Enabled {
		slog.Debug("Tracing disabled")
		return tracenoop.NewTracerProvider(), nil
	}

	res, err := target.resource(ctx)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(target.endpoint)}
	if target.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.GetSampling()))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if target.insecure {
		slog.Warn("Traces are sent to the collector over unencrypted HTTP", "endpoint", target.endpoint)
	}
	slog.Info("Tracing initialized", "endpoint", target.endpoint, "sampling_ratio", tc.GetSampling())
	return tp, nil
}

// newMeterProvider feeds instruments to Prometheus through reg when it is not
// nil, and to the collector when mc enables it. Without either it returns a
// no-op provider.
func newMeterProvider(
	ctx context.Context, target exportTarget, mc *MetricsConfig, reg prometheus.Registerer,
) (metric.MeterProvider, error) {
	push := mc != nil && mc.Enabled
	if !push && reg == nil {
		slog.Debug("Metrics disabled")
		return metricnoop.NewMeterProvider(), nil
	}

	res, err := target.resource(ctx)
	if err != nil {
		return nil, err
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if reg != nil {
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exporter))
	}

	if push {
		exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(target.endpoint)}
		if target.insecure {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(PushInterval)),
		))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	slog.Info("Metrics initialized", "prometheus", reg != nil, "otlp", push)
	return mp, nil
}
