// Package observability wires OpenTelemetry tracing and Prometheus-exported
// metrics for the update engine. Grounded directly on the teacher's
// internal/observability package: same Config/Providers/Init shape, same
// OTLP-trace-exporter-plus-Prometheus-meter-reader wiring, generalized from
// the teacher's worker/job/db-pool instruments to this engine's batch/
// component/cache instruments.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	engineTracer trace.Tracer

	batchDuration     metric.Float64Histogram
	batchComponents   metric.Int64Histogram
	componentOutcome  metric.Int64Counter
	downloadBytes     metric.Int64Counter
	downloadDuration  metric.Float64Histogram
	cacheHitCounter   metric.Int64Counter
	cacheMissCounter  metric.Int64Counter
	diskGateRejection metric.Int64Counter
	throttleActive    metric.Int64UpDownCounter
	pingFlushDuration metric.Float64Histogram
	pingFlushFailures metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "updateclient"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			fmt.Printf("WARN: failed to create OTLP trace exporter (traces disabled): %v\n", err)
		} else {
			spanExporter = exp
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		engineTracer = tracerProvider.Tracer("updateclient/engine")
		_ = initEngineInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

// StartBatchSpan starts a trace span covering one Update/CheckForUpdate batch.
func StartBatchSpan(ctx context.Context, sessionID string, componentCount int) (context.Context, trace.Span) {
	if engineTracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return engineTracer.Start(ctx, "engine.run_batch", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("component.count", componentCount),
	))
}

func initEngineInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("updateclient/engine")

	var err error
	batchDuration, err = meter.Float64Histogram(
		"updateclient.batch.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to run one update/check_for_update batch end to end"),
	)
	if err != nil {
		return err
	}

	batchComponents, err = meter.Int64Histogram(
		"updateclient.batch.component_count",
		metric.WithDescription("Number of component ids in a batch"),
	)
	if err != nil {
		return err
	}

	componentOutcome, err = meter.Int64Counter(
		"updateclient.component.outcome_total",
		metric.WithDescription("Terminal outcomes per component, labeled by state and error category"),
	)
	if err != nil {
		return err
	}

	downloadBytes, err = meter.Int64Counter(
		"updateclient.download.bytes_total",
		metric.WithDescription("Bytes downloaded across full and differential artifact fetches"),
	)
	if err != nil {
		return err
	}

	downloadDuration, err = meter.Float64Histogram(
		"updateclient.download.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Per-URL download attempt duration"),
	)
	if err != nil {
		return err
	}

	cacheHitCounter, err = meter.Int64Counter(
		"updateclient.cache.hits_total",
		metric.WithDescription("Artifact cache hits, avoiding a redundant download"),
	)
	if err != nil {
		return err
	}

	cacheMissCounter, err = meter.Int64Counter(
		"updateclient.cache.misses_total",
		metric.WithDescription("Artifact cache misses"),
	)
	if err != nil {
		return err
	}

	diskGateRejection, err = meter.Int64Counter(
		"updateclient.disk_gate.rejections_total",
		metric.WithDescription("Downloads skipped because free disk space was below the declared package size"),
	)
	if err != nil {
		return err
	}

	throttleActive, err = meter.Int64UpDownCounter(
		"updateclient.throttle.active",
		metric.WithDescription("1 while a server-imposed retry-after window is in effect, 0 otherwise"),
	)
	if err != nil {
		return err
	}

	pingFlushDuration, err = meter.Float64Histogram(
		"updateclient.ping_flush.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to persist and send a batch's ping events"),
	)
	if err != nil {
		return err
	}

	pingFlushFailures, err = meter.Int64Counter(
		"updateclient.ping_flush.failures_total",
		metric.WithDescription("Ping flush attempts that failed to persist or send"),
	)
	return err
}

// RecordBatch emits the batch-level duration and component-count metrics.
func RecordBatch(ctx context.Context, duration time.Duration, componentCount int, completion string) {
	attrs := metric.WithAttributes(attribute.String("completion", completion))
	if batchDuration != nil {
		batchDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
	if batchComponents != nil {
		batchComponents.Record(ctx, int64(componentCount), attrs)
	}
}

// RecordComponentOutcome emits one terminal-state observation for a component.
func RecordComponentOutcome(ctx context.Context, state string, errorCategory string) {
	if componentOutcome == nil {
		return
	}
	componentOutcome.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("error_category", errorCategory),
	))
}

// RecordDownload emits bytes transferred and attempt duration for one URL attempt.
func RecordDownload(ctx context.Context, bytes int64, duration time.Duration, diff bool, ok bool) {
	attrs := metric.WithAttributes(
		attribute.Bool("diff", diff),
		attribute.Bool("ok", ok),
	)
	if downloadBytes != nil && bytes > 0 {
		downloadBytes.Add(ctx, bytes, attrs)
	}
	if downloadDuration != nil {
		downloadDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

// RecordCacheLookup emits a cache hit or miss.
func RecordCacheLookup(ctx context.Context, hit bool) {
	if hit {
		if cacheHitCounter != nil {
			cacheHitCounter.Add(ctx, 1)
		}
		return
	}
	if cacheMissCounter != nil {
		cacheMissCounter.Add(ctx, 1)
	}
}

// RecordDiskGateRejection records a download skipped by the disk-space gate.
func RecordDiskGateRejection(ctx context.Context, id string) {
	if diskGateRejection == nil {
		return
	}
	diskGateRejection.Add(ctx, 1, metric.WithAttributes(attribute.String("component.id", id)))
}

// SetThrottleActive updates the throttle-active gauge; delta is +1 when a
// throttle window opens, -1 when it clears.
func SetThrottleActive(ctx context.Context, delta int64) {
	if throttleActive != nil {
		throttleActive.Add(ctx, delta)
	}
}

// RecordPingFlush emits ping-flush duration and, on failure, the failure counter.
func RecordPingFlush(ctx context.Context, duration time.Duration, ok bool) {
	if pingFlushDuration != nil {
		pingFlushDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attribute.Bool("ok", ok)))
	}
	if !ok && pingFlushFailures != nil {
		pingFlushFailures.Add(ctx, 1)
	}
}
