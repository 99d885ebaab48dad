// Package observability wires OpenTelemetry providers for the worker binary.
// Exporters speak OTLP over HTTP and are configured with the standard OTEL_*
// environment variables.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Providers bundles the telemetry providers of one process so shutdown can
// flush them together.
type Providers struct {
	Logger *slog.Logger

	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
	logs   *sdklog.LoggerProvider
}

// Init builds tracer, meter and log providers and registers them globally.
// With enabled=false every provider is a no-op and the logger writes JSON to
// stdout, so callers never branch on telemetry being off.
func Init(ctx context.Context, serviceName, serviceVersion string, enabled bool) (*Providers, error) {
	if !enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return &Providers{
			Logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
			tracer: tp,
			meter:  mp,
			logs:   sdklog.NewLoggerProvider(),
		}, nil
	}

	res, err := newResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return nil, err
	}
	headers := parseOTLPHeaders()

	traceExporter, err := otlptracehttp.New(context.Background(),
		traceOptions(headers)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExporter, err := otlpmetrichttp.New(context.Background(),
		metricOptions(headers)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)

	logExporter, err := otlploghttp.New(context.Background(),
		logOptions(headers)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter,
			sdklog.WithExportTimeout(5*time.Second))),
		sdklog.WithResource(res),
	)

	return &Providers{
		Logger: otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(lp)),
		tracer: tp,
		meter:  mp,
		logs:   lp,
	}, nil
}

// Shutdown flushes and stops all providers, collecting every error.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.tracer.Shutdown(ctx),
		p.meter.Shutdown(ctx),
		p.logs.Shutdown(ctx),
	)
}

func traceOptions(headers map[string]string) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(10 * time.Second)}
	if headers != nil {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	return opts
}

func metricOptions(headers map[string]string) []otlpmetrichttp.Option {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithTimeout(10 * time.Second)}
	if headers != nil {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}
	return opts
}

func logOptions(headers map[string]string) []otlploghttp.Option {
	opts := []otlploghttp.Option{otlploghttp.WithTimeout(10 * time.Second)}
	if headers != nil {
		opts = append(opts, otlploghttp.WithHeaders(headers))
	}
	return opts
}

// newResource merges default SDK attributes with the service identity.
// Additional attributes come from OTEL_RESOURCE_ATTRIBUTES.
func newResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}
	return res, nil
}

// parseOTLPHeaders parses OTEL_EXPORTER_OTLP_HEADERS, URL-decoding values.
// Managed OTLP gateways hand out URL-encoded headers and the SDK does not
// always decode them.
func parseOTLPHeaders() map[string]string {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		value, err := url.QueryUnescape(kv[1])
		if err != nil {
			value = kv[1]
		}
		headers[strings.TrimSpace(kv[0])] = value
	}
	return headers
}
