package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nugget/catalogmatch/internal/config"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestInit_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()
	tests := []config.TelemetryConfig{
		{},
		{Enabled: true},
		{OTLPEndpoint: "localhost:4317"},
	}
	for _, cfg := range tests {
		shutdown, err := Init(context.Background(), cfg, "dev", quiet())
		if err != nil {
			t.Fatalf("Init(%+v) error = %v", cfg, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown error = %v", err)
		}
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled telemetry replaced the global provider")
	}
}

func TestInit_Enabled(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	cfg := config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "127.0.0.1:4317",
		Insecure:     true,
		ServiceName:  "catalogmatch-test",
	}
	shutdown, err := Init(context.Background(), cfg, "v0.0.1", quiet())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global provider = %T, want SDK provider", otel.GetTracerProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Nothing was recorded, so there is nothing to flush to the
	// unreachable collector.
	_ = shutdown(ctx)
}
