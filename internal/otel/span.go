// Package otel holds the span helpers and attribute keys shared by the
// instrumented gitbridge packages.
package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys recorded on gitbridge spans
const (
	AttrProjectID   = attribute.Key("gitbridge.project.id")
	AttrSyncOutcome = attribute.Key("gitbridge.sync.outcome")
	AttrCommit      = attribute.Key("gitbridge.sync.commit")
	AttrGitService  = attribute.Key("gitbridge.git.service")
	AttrEntryCount  = attribute.Key("gitbridge.snapshot.entries")
)

// Tracer returns the named tracer of tp, or nil when tp is nil
func Tracer(tp trace.TracerProvider, name string) trace.Tracer {
	if tp == nil {
		return nil
	}
	return tp.Tracer(name)
}

// StartSpan starts a span with tracer. A nil tracer yields the span already
// in ctx, which is a no-op span unless the caller is traced.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError attaches err to span and marks the span failed. The status
// description stays generic since errors carry filesystem paths; the error
// itself goes to the exception event. Canceled requests are recorded as an
// event only: a client hanging up is not a server failure.
func RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		span.AddEvent("canceled")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "operation failed")
}
