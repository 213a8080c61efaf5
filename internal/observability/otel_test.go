package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mchalios/linkdrop/internal/config"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func enabledCfg(insecure bool) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    insecure,
		Endpoint:    "localhost:4317",
		ServiceName: "linkdrop-test",
		SampleRatio: 1.0,
	}
}

func TestSetupDisabledIsNoOp(t *testing.T) {
	restoreGlobals(t)

	prevTP := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), config.OTELConfig{Enabled: false}, "v0")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown must be non-nil even when disabled")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatal("disabled setup must not replace the tracer provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
}

func TestSetupInstallsProviderAndPropagator(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := Setup(context.Background(), enabledCfg(true), "v1.0.0")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("tracer provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	// Propagator round trip should carry trace context.
	ctx, span := otel.Tracer("test").Start(context.Background(), "probe")
	span.End()
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		t.Fatal("propagator injected nothing")
	}
}

func TestSetupTLSBranch(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := Setup(context.Background(), enabledCfg(false), "v1")
	if err != nil {
		t.Fatalf("Setup with TLS creds: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatal("expected sdk tracer provider")
	}
}

func TestSetupExporterErrorLeavesGlobalsIntact(t *testing.T) {
	restoreGlobals(t)

	orig := newExporter
	defer func() { newExporter = orig }()
	newExporter = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("exporter down")
	}

	prevTP := otel.GetTracerProvider()
	if _, err := Setup(context.Background(), enabledCfg(true), "v0"); err == nil {
		t.Fatal("expected exporter error")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatal("tracer provider must not change on failure")
	}
}

func TestSetupResourceErrorLeavesGlobalsIntact(t *testing.T) {
	restoreGlobals(t)

	orig := newResource
	defer func() { newResource = orig }()
	newResource = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		return nil, errors.New("resource build failed")
	}

	prevTP := otel.GetTracerProvider()
	if _, err := Setup(context.Background(), enabledCfg(true), "v0"); err == nil {
		t.Fatal("expected resource error")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatal("tracer provider must not change on failure")
	}
}

func TestShutdownFlushes(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := Setup(context.Background(), enabledCfg(true), "v1")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
