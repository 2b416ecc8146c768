package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan creates a span for a statement sent to a database.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Attribute keys for tether spans
var (
	AttrTable       = attribute.Key("tether.table")
	AttrStrategy    = attribute.Key("tether.strategy")
	AttrGroup       = attribute.Key("tether.group")
	AttrRunID       = attribute.Key("tether.run_id")
	AttrRows        = attribute.Key("tether.rows")
	AttrRowsSkipped = attribute.Key("tether.rows_skipped")
	AttrOperation   = attribute.Key("tether.mutation.op")
	AttrOutcome     = attribute.Key("tether.mutation.outcome")
	AttrDatabase    = attribute.Key("db.name")
)
