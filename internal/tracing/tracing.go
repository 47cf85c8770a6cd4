// Package tracing wraps the OpenTelemetry API for the node client. Spans go
// to the global TracerProvider, which is a no-op unless an exporter has been
// installed (see otelexport, compiled into builds with -tags otel).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

const instrumentationName = "github.com/nextlevelbuilder/nodelink"

// Start opens a client span named name.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// End records err (scrubbed) on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		if kind := nodeerr.KindOf(err); kind != "" {
			span.SetAttributes(attribute.String("nodelink.error.kind", string(kind)))
		}
		if reason := nodeerr.ReasonOf(err); reason != "" {
			span.SetAttributes(attribute.String("nodelink.error.reason", reason))
		}
		span.SetStatus(codes.Error, nodeerr.Scrub(err.Error()))
	}
	span.End()
}
