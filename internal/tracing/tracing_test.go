package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

func TestEnd_RecordsErrorKind(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := Start(context.Background(), "session.request", attribute.String("path", "/access/session"))
	End(span, nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonAccessDenied, "unauthorized API access"))

	_, ok := Start(context.Background(), "call")
	End(ok, nil)

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	failed := spans[0]
	if failed.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", failed.Status().Code)
	}
	var kind, reason string
	for _, a := range failed.Attributes() {
		switch a.Key {
		case "nodelink.error.kind":
			kind = a.Value.AsString()
		case "nodelink.error.reason":
			reason = a.Value.AsString()
		}
	}
	if kind != "AUTH" || reason != nodeerr.ReasonAccessDenied {
		t.Errorf("attrs kind=%q reason=%q", kind, reason)
	}
	if spans[1].Status().Code == codes.Error {
		t.Error("successful span marked as error")
	}
}
