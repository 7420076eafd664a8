package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the value of the int64 sum data point whose attribute key
// has the given value.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"dicttr.stt.duration", m.STTDuration},
		{"dicttr.llm.duration", m.LLMDuration},
		{"dicttr.pipeline.stage.duration", m.StageDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 42)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStage(ctx, StageAlign, 20*time.Millisecond)
	m.RecordStage(ctx, StageAlign, 30*time.Millisecond)
	m.RecordStage(ctx, StageTranscribe, 3*time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "dicttr.pipeline.stage.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value("stage")
		if v.AsString() == StageAlign && dp.Count != 2 {
			t.Errorf("align sample count = %d, want 2", dp.Count)
		}
	}
	if len(hist.DataPoints) != 2 {
		t.Errorf("data points = %d, want 2", len(hist.DataPoints))
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "groq", "stt", "ok")
	m.RecordProviderRequest(ctx, "groq", "stt", "ok")
	m.RecordProviderRequest(ctx, "groq", "stt", "error")
	m.RecordProviderError(ctx, "groq", "stt")

	rm := collect(t, reader)
	if got, ok := sumByAttr(t, rm, "dicttr.provider.requests", "status", "ok"); !ok || got != 2 {
		t.Errorf("requests{status=ok} = %d (found=%v), want 2", got, ok)
	}
	if got, ok := sumByAttr(t, rm, "dicttr.provider.errors", "kind", "stt"); !ok || got != 1 {
		t.Errorf("errors{kind=stt} = %d (found=%v), want 1", got, ok)
	}
}

func TestRecordAlignment(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAlignment(ctx, 10, 8, 3)

	rm := collect(t, reader)
	for outcome, want := range map[string]int64{"timed": 8, "review": 3, "untimed": 2} {
		got, ok := sumByAttr(t, rm, "dicttr.align.blocks", "outcome", outcome)
		if !ok || got != want {
			t.Errorf("blocks{outcome=%s} = %d (found=%v), want %d", outcome, got, ok, want)
		}
	}
}

func TestRecordAlignment_SkipsZeroOutcomes(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordAlignment(context.Background(), 4, 4, 0)

	rm := collect(t, reader)
	if _, ok := sumByAttr(t, rm, "dicttr.align.blocks", "outcome", "untimed"); ok {
		t.Error("untimed data point recorded for zero count")
	}
}

func TestDocumentCountersAndGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDocument(ctx, "ok")
	m.RecordDocument(ctx, "error")
	m.StructureFallbacks.Add(ctx, 2)
	m.ActiveJobs.Add(ctx, 1)
	m.ActiveJobs.Add(ctx, 1)
	m.ActiveJobs.Add(ctx, -1)

	rm := collect(t, reader)
	if got, ok := sumByAttr(t, rm, "dicttr.documents.processed", "status", "error"); !ok || got != 1 {
		t.Errorf("documents{status=error} = %d (found=%v), want 1", got, ok)
	}
	for name, want := range map[string]int64{"dicttr.structure.fallbacks": 2, "dicttr.pipeline.active": 1} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		sum := met.Data.(metricdata.Sum[int64])
		if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != want {
			t.Errorf("%s = %+v, want %d", name, sum.DataPoints, want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
