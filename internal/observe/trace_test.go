package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func useTracerProvider(t *testing.T, tp *sdktrace.TracerProvider) {
	t.Helper()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestCorrelationID_ReturnsTraceID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	ctx, span := tp.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()

	cid := CorrelationID(ctx)
	if want := span.SpanContext().TraceID().String(); cid != want {
		t.Errorf("CorrelationID = %q, want %q", cid, want)
	}
}

func TestStartStage_RecordsSpanAndDuration(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useTracerProvider(t, tp)
	m, reader := newTestMetrics(t)

	_, done := StartStage(context.Background(), m, StageStructure)
	done(nil)
	_, done = StartStage(context.Background(), m, StageTranscribe)
	done(errors.New("upstream 503"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "pipeline.structure" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "pipeline.structure")
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("failed stage status = %v, want Error", spans[1].Status.Code)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "dicttr.pipeline.stage.duration")
	if met == nil {
		t.Fatal("stage metric not found")
	}
	if n := len(met.Data.(metricdata.Histogram[float64]).DataPoints); n != 2 {
		t.Errorf("stage data points = %d, want 2", n)
	}
}

func TestStartStage_NilMetrics(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useTracerProvider(t, tp)

	_, done := StartStage(context.Background(), nil, StageAlign)
	done(nil)

	if len(exp.GetSpans()) != 1 {
		t.Errorf("spans = %d, want 1", len(exp.GetSpans()))
	}
}

func TestLogger_IncludesTraceID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "log-test")
	defer span.End()

	Logger(ctx).Info("test message")

	logged := buf.String()
	if !bytes.Contains([]byte(logged), []byte("trace_id=")) {
		t.Errorf("log output missing trace_id, got: %s", logged)
	}
	if !bytes.Contains([]byte(logged), []byte("span_id=")) {
		t.Errorf("log output missing span_id, got: %s", logged)
	}
}

func TestLogger_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("test message")

	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Errorf("log output should not contain trace_id, got: %s", buf.String())
	}
}
