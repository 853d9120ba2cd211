package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	tasksSubmitted      metric.Int64Counter
	stateTransitions    metric.Int64Counter
	transitionsRejected metric.Int64Counter
	transfersActive     metric.Int64UpDownCounter
	bytesCheckpointed   metric.Int64Counter
	engineOperations    metric.Int64Counter
	engineErrors        metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
	notificationsTotal  metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables an additional OTLP gRPC metric exporter when set.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled instance is safe to use and
// records nothing.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         otel.Tracer(cfg.ServiceName),
		meter:          otel.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	// Initialize all metrics
	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(15 * time.Second)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("downloadmanager")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(ctx, 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, -1)
	}
}

// RecordSubmit records a submitted task.
func (t *Telemetry) RecordSubmit(ctx context.Context, kind string, created bool) {
	if t != nil && t.tasksSubmitted != nil {
		t.tasksSubmitted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("created", created),
		))
	}
}

// RecordTransition records an applied or rejected state transition.
func (t *Telemetry) RecordTransition(ctx context.Context, kind, from, to string, accepted bool) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("from", from),
		attribute.String("to", to),
	)

	if accepted && t.stateTransitions != nil {
		t.stateTransitions.Add(ctx, 1, attrs)
	}

	if !accepted && t.transitionsRejected != nil {
		t.transitionsRejected.Add(ctx, 1, attrs)
	}
}

// IncrementActiveTransfers increments the active transfers counter.
func (t *Telemetry) IncrementActiveTransfers(ctx context.Context, kind string) {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// DecrementActiveTransfers decrements the active transfers counter.
func (t *Telemetry) DecrementActiveTransfers(ctx context.Context, kind string) {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordCheckpoint records durable bytes gained by a checkpoint.
func (t *Telemetry) RecordCheckpoint(ctx context.Context, kind string, delta int64) {
	if t != nil && t.bytesCheckpointed != nil && delta > 0 {
		t.bytesCheckpointed.Add(ctx, delta, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordEngineOperation records transfer engine operation metrics.
func (t *Telemetry) RecordEngineOperation(ctx context.Context, engine, operation, status string) {
	if t == nil {
		return
	}

	if t.engineOperations != nil {
		t.engineOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("engine", engine),
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if status == "error" && t.engineErrors != nil {
		t.engineErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("engine", engine),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(ctx, 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordNotification records a rendered notification indicator.
func (t *Telemetry) RecordNotification(ctx context.Context, renderer, kind, status string) {
	if t != nil && t.notificationsTotal != nil {
		t.notificationsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("renderer", renderer),
			attribute.String("kind", kind),
			attribute.String("status", status),
		))
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	// Return the standard Prometheus HTTP handler
	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	return t.initializeBusinessMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&t.tasksSubmitted, "tasks_submitted_total", "Total number of submitted download tasks", "1"},
		{&t.stateTransitions, "state_transitions_total", "Total number of applied task state transitions", "1"},
		{&t.transitionsRejected, "transitions_rejected_total", "Total number of rejected task state transitions", "1"},
		{&t.bytesCheckpointed, "bytes_checkpointed_total", "Total number of bytes made durable by checkpoints", "By"},
		{&t.engineOperations, "engine_operations_total", "Total number of transfer engine operations", "1"},
		{&t.engineErrors, "engine_errors_total", "Total number of transfer engine errors", "1"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations", "1"},
		{&t.notificationsTotal, "notifications_total", "Total number of rendered notifications", "1"},
	}

	for _, c := range counters {
		*c.dst, err = t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	t.transfersActive, err = t.meter.Int64UpDownCounter(
		"transfers_active",
		metric.WithDescription("Number of transfers with a running engine worker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfers_active counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
