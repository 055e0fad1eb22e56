package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTestTracer swaps the global tracer provider for one backed by an
// in-memory exporter, restoring the original when the test ends.
func installTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLogs redirects the default slog output for the duration of fn.
func captureLogs(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(orig)
	fn()
	return buf.String()
}

func TestCorrelationIDEmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Fatalf("CorrelationID = %q, want empty without a span", got)
	}
}

func TestStartSpanYieldsCorrelationID(t *testing.T) {
	exp := installTestTracer(t)

	ctx, span := StartSpan(context.Background(), "bridge.admit_call")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", cid)
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Fatalf("correlation ID %q is not lowercase hex", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "bridge.admit_call" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestStartSpanIDsAreUnique(t *testing.T) {
	installTestTracer(t)

	ids := make(map[string]struct{}, 100)
	for range 100 {
		ctx, span := StartSpan(context.Background(), "bridge.tool_call")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := ids[cid]; dup {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		ids[cid] = struct{}{}
	}
}

func TestLoggerCarriesTraceIDs(t *testing.T) {
	installTestTracer(t)

	ctx, span := StartSpan(context.Background(), "bridge.finalize_call")
	defer span.End()

	out := captureLogs(t, func() { Logger(ctx).Info("call ended") })
	if !strings.Contains(out, "trace_id=") {
		t.Fatalf("log output missing trace_id: %s", out)
	}
	if !strings.Contains(out, "span_id=") {
		t.Fatalf("log output missing span_id: %s", out)
	}
}

func TestLoggerPlainWithoutSpan(t *testing.T) {
	out := captureLogs(t, func() { Logger(context.Background()).Info("startup") })
	if strings.Contains(out, "trace_id") {
		t.Fatalf("log output must not carry trace_id without a span: %s", out)
	}
}
