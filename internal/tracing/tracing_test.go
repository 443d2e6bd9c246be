package tracing

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestInitTracer_EmptyEndpointIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	shutdown, err := InitTracer(context.Background(), "filerelay", "test", "", logger)
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInitTracer_ExporterShutsDown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// the exporter connects lazily, so no collector is needed here
	shutdown, err := InitTracer(context.Background(), "filerelay", "test", "127.0.0.1:4318", logger)
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
