package observability

import (
	"context"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"comfy-executors/internal/common/logger"
)

// Observability bundles the OpenTelemetry meter and tracer used by the
// executor. The zero value is usable and records nothing.
type Observability struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	submissions    otelmetric.Int64Counter
	batchDuration  otelmetric.Float64Histogram
}

type options struct {
	registerer promclient.Registerer
	log        logger.Logger
	global     bool
}

type Option func(*options)

// WithRegisterer exports meters into reg instead of the default registry.
func WithRegisterer(reg promclient.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// AsGlobal installs the providers as the otel globals.
func AsGlobal() Option {
	return func(o *options) { o.global = true }
}

func New(serviceName string, opts ...Option) *Observability {
	o := options{log: logger.NewNoOpLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	obs := &Observability{
		tracerProvider: tp,
		tracer:         tp.Tracer(serviceName),
	}

	var exporterOpts []prometheus.Option
	if o.registerer != nil {
		exporterOpts = append(exporterOpts, prometheus.WithRegisterer(o.registerer))
	}
	exporter, err := prometheus.New(exporterOpts...)
	if err != nil {
		o.log.Warn("failed to create prometheus exporter, meters disabled", map[string]interface{}{
			"error": err,
		})
		return obs
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	if o.global {
		otel.SetMeterProvider(provider)
		otel.SetTracerProvider(tp)
	}

	meter := provider.Meter(serviceName)

	submissions, _ := meter.Int64Counter(
		"workflow.submissions",
		otelmetric.WithDescription("Number of workflow submissions"),
	)
	batchDuration, _ := meter.Float64Histogram(
		"workflow.batch.duration",
		otelmetric.WithDescription("Remote job duration"),
		otelmetric.WithUnit("ms"),
	)

	obs.meterProvider = provider
	obs.submissions = submissions
	obs.batchDuration = batchDuration
	return obs
}

// StartSpan opens a span on the executor tracer.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if o == nil || o.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *Observability) RecordSubmission(ctx context.Context, endpoint, status string) {
	if o != nil && o.submissions != nil {
		o.submissions.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		))
	}
}

func (o *Observability) RecordBatchDuration(ctx context.Context, endpoint string, duration time.Duration) {
	if o != nil && o.batchDuration != nil {
		o.batchDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("endpoint", endpoint),
		))
	}
}

func (o *Observability) Shutdown() {
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
	}
	if o.tracerProvider != nil {
		_ = o.tracerProvider.Shutdown(ctx)
	}
}
