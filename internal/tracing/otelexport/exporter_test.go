package otelexport

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestNew_UnknownProtocol(t *testing.T) {
	_, err := New(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "carrier"})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestExporter_Shutdown_NilExporter(t *testing.T) {
	var exp *Exporter
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	exp.Install() // must not panic
}

func TestInstall_SetsGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	exp, err := New(context.Background(), Config{Endpoint: "localhost:4318", Protocol: "http", Insecure: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	exp.Install()
	if otel.GetTracerProvider() != exp.provider {
		t.Error("global provider not replaced")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := exp.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNew_SampleRatioBounds(t *testing.T) {
	for _, r := range []float64{-0.1, 1.5} {
		if _, err := New(context.Background(), Config{Endpoint: "localhost:4317", SampleRatio: r}); err == nil {
			t.Errorf("ratio %v accepted", r)
		}
	}
}
