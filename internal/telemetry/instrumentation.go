package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attributes must stay low-cardinality: operation names,
// engine kinds, states and status values. Links, request ids, file names and
// error messages go to logs or span status only.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments registry operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "registry", fn)

	t.RecordDBOperation(ctx, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentEngineOperation instruments transfer engine commands.
func (t *Telemetry) InstrumentEngineOperation(ctx context.Context, engine, operation string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "engine_"+operation, "transfer_engine", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("engine.kind", engine),
			attribute.String("engine.operation", operation),
		)

		return fn(ctx)
	})

	t.RecordEngineOperation(ctx, engine, operation, statusOf(err))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
