// Package observe provides the observability primitives shared by the
// Dicttr server and CLI: OpenTelemetry metrics, tracing, trace-aware slog
// loggers and the HTTP middleware that ties them together.
//
// Tests should build a private [Metrics] with [NewMetrics] and a
// [sdkmetric.ManualReader]; production code uses [DefaultMetrics], which is
// backed by the global meter provider installed by [InitProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/dicttr"

// Pipeline stage names used as the "stage" attribute.
const (
	StageTranscribe = "transcribe"
	StageCorrect    = "correct"
	StageStructure  = "structure"
	StageAlign      = "align"
	StageDiarize    = "diarize"
	StagePersist    = "persist"
)

// Metrics holds all OpenTelemetry instruments of the application. All fields
// are safe for concurrent use.
type Metrics struct {
	// StageDuration tracks pipeline stage latency. Attribute: stage.
	StageDuration metric.Float64Histogram

	// STTDuration tracks transcription request latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks completion request latency.
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BlocksAligned counts aligned blocks. Attribute: outcome
	// ("timed", "review", "untimed").
	BlocksAligned metric.Int64Counter

	// StructureFallbacks counts transcript chunks whose LLM output could not
	// be parsed and were split into plain paragraphs instead.
	StructureFallbacks metric.Int64Counter

	// DocumentsProcessed counts pipeline runs. Attribute: status.
	DocumentsProcessed metric.Int64Counter

	// ActiveJobs is the number of pipeline runs in flight.
	ActiveJobs metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP latency. Attributes: method, route.
	HTTPRequestDuration metric.Float64Histogram
}

// Lecture processing is slow: a one hour recording easily spends minutes in
// transcription.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates all instruments on the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("dicttr.pipeline.stage.duration",
		metric.WithDescription("Latency of a pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("dicttr.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("dicttr.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("dicttr.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("dicttr.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BlocksAligned, err = m.Int64Counter("dicttr.align.blocks",
		metric.WithDescription("Aligned blocks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StructureFallbacks, err = m.Int64Counter("dicttr.structure.fallbacks",
		metric.WithDescription("Transcript chunks structured without the LLM."),
	); err != nil {
		return nil, err
	}
	if met.DocumentsProcessed, err = m.Int64Counter("dicttr.documents.processed",
		metric.WithDescription("Pipeline runs by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveJobs, err = m.Int64UpDownCounter("dicttr.pipeline.active",
		metric.WithDescription("Pipeline runs currently in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("dicttr.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built from
// [otel.GetMeterProvider] on first use. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordStage records the duration of a pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordAlignment adds the outcome of an alignment run to the block counter.
// timed and review may overlap; untimed is total minus timed.
func (m *Metrics) RecordAlignment(ctx context.Context, total, timed, review int) {
	add := func(outcome string, n int) {
		if n > 0 {
			m.BlocksAligned.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}
	add("timed", timed)
	add("review", review)
	add("untimed", total-timed)
}

// RecordDocument increments the processed document counter.
func (m *Metrics) RecordDocument(ctx context.Context, status string) {
	m.DocumentsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderLatency records the duration of one provider call on the
// histogram matching kind ("stt" or "llm"). Other kinds are ignored.
func (m *Metrics) RecordProviderLatency(ctx context.Context, kind string, d time.Duration) {
	switch kind {
	case "stt":
		m.STTDuration.Record(ctx, d.Seconds())
	case "llm":
		m.LLMDuration.Record(ctx, d.Seconds())
	}
}
