package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/dicttr/internal/document"
	"github.com/MrWong99/dicttr/internal/observe"
	"github.com/MrWong99/dicttr/internal/structure"
	"github.com/MrWong99/dicttr/internal/transcript"
	"github.com/MrWong99/dicttr/internal/transcript/phonetic"
	"github.com/MrWong99/dicttr/pkg/align"
	"github.com/MrWong99/dicttr/pkg/provider/llm"
	llmmock "github.com/MrWong99/dicttr/pkg/provider/llm/mock"
	"github.com/MrWong99/dicttr/pkg/provider/stt"
	sttmock "github.com/MrWong99/dicttr/pkg/provider/stt/mock"
)

// fakeStructurer returns fixed blocks and records the transcripts it saw.
type fakeStructurer struct {
	mu     sync.Mutex
	blocks []align.Block
	err    error
	texts  []string
}

func (f *fakeStructurer) Structure(_ context.Context, text string) (*structure.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return &structure.Result{Blocks: f.blocks, Chunks: 1, Usage: llm.Usage{TotalTokens: 42}}, nil
}

type fakeDiarizer struct {
	speaker string
	err     error
}

func (d fakeDiarizer) Diarize(_ context.Context, blocks []align.AnnotatedBlock) ([]align.AnnotatedBlock, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([]align.AnnotatedBlock, len(blocks))
	copy(out, blocks)
	for i := range out {
		out[i].Speaker = d.speaker
	}
	return out, nil
}

func logprob(v float64) *float64 { return &v }

func lectureSegments() []align.Segment {
	return []align.Segment{
		{Text: " Hoy hablamos de kubernetis.", Start: 0, End: 3, AvgLogprob: logprob(-0.2)},
		{Text: " Es un orquestador de contenedores.", Start: 3, End: 6, AvgLogprob: logprob(-0.3)},
	}
}

func lectureBlocks() []align.Block {
	return []align.Block{
		{ID: "b1", Type: align.BlockHeading1, Text: "Kubernetes"},
		{ID: "b2", Type: align.BlockParagraph, Text: "Hoy hablamos de Kubernetes. Es un orquestador de contenedores."},
	}
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func TestProcess(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Result: &stt.Transcription{
		Language: "es",
		Duration: 6.2,
		Segments: lectureSegments(),
		Speakers: []align.SpeakerTurn{
			{Speaker: "spk_0", Time: align.TimeRange{Start: 0, End: 2.5}},
			{Speaker: "spk_1", Time: align.TimeRange{Start: 2.5, End: 6}},
		},
	}}
	st := &fakeStructurer{blocks: lectureBlocks()}
	store := document.NewMemStore()
	p := New(sttP, st, store,
		WithCorrector(transcript.NewPipeline(transcript.WithTermMatcher(phonetic.New()))),
		WithGlossary([]string{"Kubernetes"}),
	)

	res, err := p.Process(context.Background(), Input{
		Audio:    strings.NewReader("RIFF"),
		Filename: "clase-01.m4a",
		Glossary: []string{"Docker", "kubernetes"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if n := sttP.CallCount(); n != 1 {
		t.Fatalf("stt calls = %d, want 1", n)
	}
	if got := sttP.Calls[0].Request.Prompt; got != "Kubernetes, Docker" {
		t.Errorf("prompt = %q, want glossary terms", got)
	}
	if got := string(sttP.Calls[0].Audio); got != "RIFF" {
		t.Errorf("audio = %q", got)
	}

	if len(st.texts) != 1 {
		t.Fatalf("structurer calls = %d, want 1", len(st.texts))
	}
	if want := "Hoy hablamos de Kubernetes. Es un orquestador de contenedores."; st.texts[0] != want {
		t.Errorf("structured text = %q, want %q", st.texts[0], want)
	}

	doc := res.Document
	if doc.ID == "" || doc.Version != 1 {
		t.Errorf("ID = %q, Version = %d", doc.ID, doc.Version)
	}
	if doc.Meta.Title != "clase-01" || doc.Meta.Source != "clase-01.m4a" {
		t.Errorf("Title = %q, Source = %q", doc.Meta.Title, doc.Meta.Source)
	}
	if doc.Meta.Language != "es" || doc.Meta.Duration != 6.2 {
		t.Errorf("Language = %q, Duration = %v", doc.Meta.Language, doc.Meta.Duration)
	}
	if len(doc.Meta.Corrections) != 1 || doc.Meta.Corrections[0].Corrected != "Kubernetes" {
		t.Errorf("Corrections = %+v", doc.Meta.Corrections)
	}
	if len(doc.Meta.Speakers) != 2 {
		t.Errorf("Speakers = %+v", doc.Meta.Speakers)
	}
	if doc.Segments[0].Text != " Hoy hablamos de Kubernetes." {
		t.Errorf("stored segment = %q, want corrected text", doc.Segments[0].Text)
	}
	if res.Chunks != 1 || res.Usage.TotalTokens != 42 {
		t.Errorf("Chunks = %d, Usage = %+v", res.Chunks, res.Usage)
	}

	if len(doc.Blocks) != 2 {
		t.Fatalf("len(Blocks) = %d, want 2", len(doc.Blocks))
	}
	h, para := doc.Blocks[0], doc.Blocks[1]
	if h.Time == nil || *h.Time != (align.TimeRange{Start: 0, End: 3}) {
		t.Errorf("heading time = %v", h.Time)
	}
	if h.Speaker != "spk_0" {
		t.Errorf("heading speaker = %q, want spk_0", h.Speaker)
	}
	if para.Time == nil || *para.Time != (align.TimeRange{Start: 0, End: 6}) {
		t.Errorf("paragraph time = %v", para.Time)
	}
	if para.Speaker != "spk_1" {
		t.Errorf("paragraph speaker = %q, want spk_1", para.Speaker)
	}
	if doc.Meta.Stats.Blocks != 2 || doc.Meta.Stats.Timed != 2 || doc.Meta.Stats.NeedsReview != 0 {
		t.Errorf("Stats = %+v", doc.Meta.Stats)
	}

	stored, err := store.Get(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Meta.Title != "clase-01" || len(stored.Blocks) != 2 {
		t.Errorf("stored document = %+v", stored.Meta)
	}
}

func TestProcess_WithLLMStructurer(t *testing.T) {
	t.Parallel()

	model := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"blocks":[{"id":"x","type":"paragraph","text":"Es un orquestador de contenedores."}]}`,
		},
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 64_000, MaxOutputTokens: 8_000},
		TokenCount:        50,
	}
	p := New(&sttmock.Provider{Result: &stt.Transcription{Segments: lectureSegments()}},
		structure.New(model), document.NewMemStore())

	res, err := p.Process(context.Background(), Input{Audio: strings.NewReader("a")})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Document.Meta.Title != "Untitled lecture" {
		t.Errorf("Title = %q", res.Document.Meta.Title)
	}
	b := res.Document.Blocks
	if len(b) != 1 || b[0].ID != "b1" {
		t.Fatalf("Blocks = %+v", b)
	}
	if b[0].Time == nil || *b[0].Time != (align.TimeRange{Start: 3, End: 6}) {
		t.Errorf("time = %v, want 3-6", b[0].Time)
	}
	if b[0].Speaker != align.SpeakerUnknown {
		t.Errorf("speaker = %q, want %q", b[0].Speaker, align.SpeakerUnknown)
	}
	if len(model.Calls()) != 1 {
		t.Errorf("llm calls = %d, want 1", len(model.Calls()))
	}
}

func TestProcess_Errors(t *testing.T) {
	t.Parallel()

	sttErr := errors.New("recogniser down")
	structErr := errors.New("model down")

	tests := []struct {
		name    string
		stt     *sttmock.Provider
		st      *fakeStructurer
		wantErr error
		wantMsg string
	}{
		{
			name:    "stt failure",
			stt:     &sttmock.Provider{Err: sttErr},
			st:      &fakeStructurer{},
			wantErr: sttErr,
			wantMsg: "pipeline: transcribe",
		},
		{
			name:    "empty transcript",
			stt:     &sttmock.Provider{Result: &stt.Transcription{Text: "  "}},
			st:      &fakeStructurer{},
			wantErr: ErrEmptyTranscript,
		},
		{
			name:    "structure failure",
			stt:     &sttmock.Provider{Result: &stt.Transcription{Segments: lectureSegments()}},
			st:      &fakeStructurer{err: structErr},
			wantErr: structErr,
			wantMsg: "pipeline: structure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := document.NewMemStore()
			p := New(tt.stt, tt.st, store)
			_, err := p.Process(context.Background(), Input{Audio: strings.NewReader("x")})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %q, want prefix %q", err, tt.wantMsg)
			}
			docs, _ := store.List(context.Background(), document.ListOptions{})
			if len(docs) != 0 {
				t.Errorf("stored %d documents after failure", len(docs))
			}
		})
	}
}

func TestProcess_NoSTTProvider(t *testing.T) {
	t.Parallel()
	p := New(nil, &fakeStructurer{}, document.NewMemStore())
	if _, err := p.Process(context.Background(), Input{}); err == nil {
		t.Fatal("expected error without speech-to-text provider")
	}
}

func TestProcess_FallsBackToTranscriptText(t *testing.T) {
	t.Parallel()

	st := &fakeStructurer{blocks: []align.Block{{ID: "b1", Type: align.BlockParagraph, Text: "Hola."}}}
	p := New(&sttmock.Provider{Result: &stt.Transcription{Text: " Hola. "}}, st, document.NewMemStore())
	res, err := p.Process(context.Background(), Input{Audio: strings.NewReader("x"), Title: "Clase"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if st.texts[0] != "Hola." {
		t.Errorf("structured text = %q", st.texts[0])
	}
	if res.Document.Meta.Title != "Clase" {
		t.Errorf("Title = %q", res.Document.Meta.Title)
	}
	if res.Document.Blocks[0].Time != nil {
		t.Errorf("block without segments got time %v", res.Document.Blocks[0].Time)
	}
}

func TestPipeline_HotSwap(t *testing.T) {
	t.Parallel()

	st := &fakeStructurer{blocks: lectureBlocks()}
	p := New(&sttmock.Provider{Result: &stt.Transcription{Segments: lectureSegments()}}, st, document.NewMemStore())

	p.SetAligner(align.New(align.WithReviewThreshold(0.95)))
	res, err := p.Process(context.Background(), Input{Audio: strings.NewReader("x")})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if n := res.Document.Meta.Stats.NeedsReview; n != 2 {
		t.Errorf("NeedsReview = %d, want 2 with the stricter aligner", n)
	}

	next := &fakeStructurer{blocks: lectureBlocks()[:1]}
	p.SetStructurer(next)
	p.SetStructurer(nil)
	if _, err := p.Process(context.Background(), Input{Audio: strings.NewReader("x")}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(next.texts) != 1 || len(st.texts) != 1 {
		t.Errorf("structurer calls: old %d, new %d", len(st.texts), len(next.texts))
	}

	p.SetGlossary([]string{"Docker"})
	p.SetCorrector(transcript.NewPipeline(transcript.WithTermMatcher(phonetic.New())))
	if got := p.Glossary(); len(got) != 1 || got[0] != "Docker" {
		t.Errorf("Glossary() = %v", got)
	}
	p.SetCorrector(nil)
	if got := p.Glossary(); len(got) != 1 {
		t.Errorf("SetCorrector dropped the glossary: %v", got)
	}
}

func TestRealign(t *testing.T) {
	t.Parallel()

	diarErr := errors.New("diarizer failed")
	segs := lectureSegments()
	blocks := lectureBlocks()
	blocks[1].Text = "Es un orquestador de contenedores."

	tests := []struct {
		name     string
		diarizer align.Diarizer
		turns    []align.SpeakerTurn
		want     string
		wantErr  error
	}{
		{name: "default diarizer", want: align.SpeakerUnknown},
		{name: "configured diarizer", diarizer: fakeDiarizer{speaker: "docente"}, want: "docente"},
		{
			name:     "turns win over diarizer",
			diarizer: fakeDiarizer{speaker: "docente"},
			turns:    []align.SpeakerTurn{{Speaker: "spk_1", Time: align.TimeRange{Start: 2, End: 7}}},
			want:     "spk_1",
		},
		{name: "diarizer error", diarizer: fakeDiarizer{err: diarErr}, wantErr: diarErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var opts []Option
			if tt.diarizer != nil {
				opts = append(opts, WithDiarizer(tt.diarizer))
			}
			p := New(nil, nil, nil, opts...)
			out, err := p.Realign(context.Background(), segs, tt.turns, blocks)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Realign: %v", err)
			}
			if len(out) != 2 {
				t.Fatalf("len = %d, want 2", len(out))
			}
			if got := out[1].Speaker; got != tt.want {
				t.Errorf("speaker = %q, want %q", got, tt.want)
			}
			if out[1].Time == nil || *out[1].Time != (align.TimeRange{Start: 3, End: 6}) {
				t.Errorf("time = %v", out[1].Time)
			}
		})
	}
}

func TestProcess_Metrics(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	p := New(&sttmock.Provider{Result: &stt.Transcription{Segments: lectureSegments()}},
		&fakeStructurer{blocks: lectureBlocks()}, document.NewMemStore(),
		WithMetrics(m),
		WithCorrector(transcript.NewPipeline(transcript.WithTermMatcher(phonetic.New()))),
		WithGlossary([]string{"Kubernetes"}),
	)
	if _, err := p.Process(context.Background(), Input{Audio: strings.NewReader("x")}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	failing := New(&sttmock.Provider{Err: errors.New("down")}, &fakeStructurer{}, document.NewMemStore(), WithMetrics(m))
	if _, err := failing.Process(context.Background(), Input{Audio: strings.NewReader("x")}); err == nil {
		t.Fatal("expected error")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	stages := map[string]bool{}
	docs := map[string]int64{}
	var active int64 = -1
	var timed int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			switch met.Name {
			case "dicttr.pipeline.stage.duration":
				for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
					if v, ok := dp.Attributes.Value(attribute.Key("stage")); ok {
						stages[v.AsString()] = true
					}
				}
			case "dicttr.documents.processed":
				for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
					v, _ := dp.Attributes.Value(attribute.Key("status"))
					docs[v.AsString()] += dp.Value
				}
			case "dicttr.pipeline.active":
				for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
					active = dp.Value
				}
			case "dicttr.align.blocks":
				for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
					if v, _ := dp.Attributes.Value(attribute.Key("outcome")); v.AsString() == "timed" {
						timed += dp.Value
					}
				}
			}
		}
	}

	for _, s := range []string{
		observe.StageTranscribe, observe.StageCorrect, observe.StageStructure,
		observe.StageAlign, observe.StageDiarize, observe.StagePersist,
	} {
		if !stages[s] {
			t.Errorf("stage %q not recorded (got %v)", s, stages)
		}
	}
	if docs["ok"] != 1 || docs["error"] != 1 {
		t.Errorf("documents processed = %v, want ok=1 error=1", docs)
	}
	if active != 0 {
		t.Errorf("active jobs = %d, want 0", active)
	}
	if timed != 2 {
		t.Errorf("timed blocks = %d, want 2", timed)
	}
}

func TestMergeTerms(t *testing.T) {
	t.Parallel()

	got := mergeTerms([]string{"Kubernetes", " Docker "}, []string{"docker", "", "Redis"})
	want := []string{"Kubernetes", "Docker", "Redis"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("mergeTerms = %q, want %q", got, want)
	}
}
