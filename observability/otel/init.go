package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"nftmarket/config"
)

const (
	defaultCollector      = "localhost:4318"
	defaultMetricInterval = 15 * time.Second
	traceBatchTimeout     = 2 * time.Second
)

// Options selects the OTLP exporters marketd pushes to.
type Options struct {
	Service     string
	Environment string
	Collector   string
	Insecure    bool
	Headers     map[string]string
	Traces      bool
	Metrics     bool
	// SampleRatio is the fraction of root spans recorded. Values outside
	// (0, 1) record every span.
	SampleRatio    float64
	MetricInterval time.Duration
}

// OptionsFrom maps the [telemetry] config section onto exporter options.
func OptionsFrom(service, environment string, cfg config.Telemetry) Options {
	return Options{
		Service:     service,
		Environment: environment,
		Collector:   strings.TrimSpace(cfg.Endpoint),
		Insecure:    cfg.Insecure,
		Headers:     ParseHeaders(cfg.Headers),
		Traces:      cfg.Traces,
		Metrics:     cfg.Metrics,
		SampleRatio: cfg.SampleRatio,
	}
}

// Enabled reports whether any exporter is selected.
func (o Options) Enabled() bool { return o.Traces || o.Metrics }

// Providers holds the SDK providers installed as the otel globals. Either
// field is nil when its exporter is off.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// Start builds the selected exporters and installs them globally together
// with the W3C trace context and baggage propagators.
func Start(ctx context.Context, opts Options) (*Providers, error) {
	if opts.Service == "" {
		return nil, errors.New("telemetry: service name required")
	}
	if opts.Collector == "" {
		opts.Collector = defaultCollector
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = defaultMetricInterval
	}
	res, err := marketResource(opts)
	if err != nil {
		return nil, err
	}

	providers := &Providers{}
	if opts.Traces {
		exporter, err := otlptracehttp.New(ctx, traceOptions(opts)...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
		}
		providers.Tracer = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler(opts.SampleRatio)),
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(traceBatchTimeout)),
		)
		otel.SetTracerProvider(providers.Tracer)
	}
	if opts.Metrics {
		exporter, err := otlpmetrichttp.New(ctx, metricOptions(opts)...)
		if err != nil {
			_ = providers.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
		}
		providers.Meter = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(opts.MetricInterval))),
		)
		otel.SetMeterProvider(providers.Meter)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return providers, nil
}

// Shutdown flushes and stops every provider. It is safe on a nil receiver.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.Meter != nil {
		errs = append(errs, p.Meter.Shutdown(ctx))
	}
	if p.Tracer != nil {
		errs = append(errs, p.Tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func marketResource(opts Options) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(opts.Service)}
	if opts.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(opts.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}
	return res, nil
}

func traceOptions(opts Options) []otlptracehttp.Option {
	out := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Collector)}
	if opts.Insecure {
		out = append(out, otlptracehttp.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		out = append(out, otlptracehttp.WithHeaders(opts.Headers))
	}
	return out
}

func metricOptions(opts Options) []otlpmetrichttp.Option {
	out := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(opts.Collector)}
	if opts.Insecure {
		out = append(out, otlpmetrichttp.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		out = append(out, otlpmetrichttp.WithHeaders(opts.Headers))
	}
	return out
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// ParseHeaders reads exporter headers written as "key=value,key=value".
// Blank keys and pairs without "=" are dropped.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
