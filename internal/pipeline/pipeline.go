// Package pipeline turns a lecture recording into an aligned document.
//
// A run goes through six stages, each traced and timed by
// [observe.StartStage]:
//
//	transcribe → correct → structure → align → diarize → persist
//
// The correction stage only runs when a glossary is known. The diarization
// stage uses the speaker turns of the recogniser when it reports them and
// the configured [align.Diarizer] otherwise.
//
// Aligner, structurer and corrector can be swapped at runtime (config hot
// reload); a run uses the components that were current when it started.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/MrWong99/dicttr/internal/document"
	"github.com/MrWong99/dicttr/internal/observe"
	"github.com/MrWong99/dicttr/internal/structure"
	"github.com/MrWong99/dicttr/internal/transcript"
	"github.com/MrWong99/dicttr/pkg/align"
	"github.com/MrWong99/dicttr/pkg/provider/llm"
	"github.com/MrWong99/dicttr/pkg/provider/stt"
)

// ErrEmptyTranscript is returned when the recogniser found no speech.
var ErrEmptyTranscript = errors.New("pipeline: transcript is empty")

// Structurer restructures a transcript into blocks.
type Structurer interface {
	Structure(ctx context.Context, transcript string) (*structure.Result, error)
}

// Input describes one recording to process.
type Input struct {
	Audio       io.Reader
	Filename    string
	ContentType string

	// Title defaults to Filename without its extension.
	Title string

	// Language is an ISO-639-1 hint. Empty lets the recogniser detect it.
	Language string

	// Glossary adds course terms to the configured glossary for this run.
	Glossary []string

	// Prompt biases recognition. Defaults to the glossary terms.
	Prompt string
}

// Result is the outcome of [Pipeline.Process].
type Result struct {
	Document *document.Document

	// Chunks is the number of LLM requests used for structuring.
	Chunks int

	// Usage is the LLM token usage of the structuring stage.
	Usage llm.Usage
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithMetrics records stage latency and outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithAligner replaces the default aligner.
func WithAligner(a *align.Aligner) Option {
	return func(p *Pipeline) { p.aligner.Store(a) }
}

// WithCorrector enables the glossary correction stage.
func WithCorrector(c transcript.Corrector) Option {
	return func(p *Pipeline) { p.SetCorrector(c) }
}

// WithGlossary sets the terms applied to every run.
func WithGlossary(terms []string) Option {
	return func(p *Pipeline) { p.SetGlossary(terms) }
}

// WithDiarizer sets the diarizer used when the recogniser reports no
// speaker turns. Default: [align.NoopDiarizer].
func WithDiarizer(d align.Diarizer) Option {
	return func(p *Pipeline) { p.diarizer = d }
}

// correction bundles a corrector with its glossary so both swap together.
type correction struct {
	corrector transcript.Corrector
	glossary  []string
}

// Pipeline processes lecture recordings. It is safe for concurrent use.
type Pipeline struct {
	stt      stt.Provider
	store    document.Store
	metrics  *observe.Metrics
	diarizer align.Diarizer

	aligner    atomic.Pointer[align.Aligner]
	structurer atomic.Pointer[structurerBox]
	correction atomic.Pointer[correction]
}

// structurerBox lets an interface value live in an atomic.Pointer.
type structurerBox struct{ Structurer }

// New creates a Pipeline. sttProvider may be nil when only [Pipeline.Realign]
// is used.
func New(sttProvider stt.Provider, s Structurer, store document.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		stt:      sttProvider,
		store:    store,
		diarizer: align.NoopDiarizer{},
	}
	p.aligner.Store(align.New())
	p.structurer.Store(&structurerBox{s})
	p.correction.Store(&correction{})
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetAligner replaces the aligner for future runs.
func (p *Pipeline) SetAligner(a *align.Aligner) {
	if a != nil {
		p.aligner.Store(a)
	}
}

// SetStructurer replaces the structurer for future runs.
func (p *Pipeline) SetStructurer(s Structurer) {
	if s != nil {
		p.structurer.Store(&structurerBox{s})
	}
}

// SetCorrector replaces the corrector for future runs. nil disables
// correction.
func (p *Pipeline) SetCorrector(c transcript.Corrector) {
	cur := p.correction.Load()
	next := &correction{corrector: c}
	if cur != nil {
		next.glossary = cur.glossary
	}
	p.correction.Store(next)
}

// SetGlossary replaces the base glossary for future runs.
func (p *Pipeline) SetGlossary(terms []string) {
	cur := p.correction.Load()
	next := &correction{glossary: slices.Clone(terms)}
	if cur != nil {
		next.corrector = cur.corrector
	}
	p.correction.Store(next)
}

// Glossary returns the base glossary.
func (p *Pipeline) Glossary() []string {
	return slices.Clone(p.correction.Load().glossary)
}

// Process runs every stage on in and stores the resulting document.
func (p *Pipeline) Process(ctx context.Context, in Input) (res *Result, err error) {
	if p.stt == nil {
		return nil, errors.New("pipeline: no speech-to-text provider configured")
	}
	if p.metrics != nil {
		p.metrics.ActiveJobs.Add(ctx, 1)
		defer func() {
			p.metrics.ActiveJobs.Add(ctx, -1)
			status := "ok"
			if err != nil {
				status = "error"
			}
			p.metrics.RecordDocument(ctx, status)
		}()
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.process")
	defer span.End()
	log := observe.Logger(ctx).With("source", in.Filename)

	corr := p.correction.Load()
	glossary := mergeTerms(corr.glossary, in.Glossary)

	tr, err := p.transcribe(ctx, in, glossary)
	if err != nil {
		return nil, err
	}
	segments := stt.NormalizeSegments(tr.Segments)
	log.Info("pipeline: transcribed", "segments", len(segments), "duration", tr.Duration, "language", tr.Language)

	var corrections []transcript.Correction
	if corr.corrector != nil && len(glossary) > 0 {
		segments, corrections, err = p.correct(ctx, corr.corrector, segments, glossary)
		if err != nil {
			return nil, err
		}
		log.Info("pipeline: corrected glossary terms", "corrections", len(corrections))
	}

	text := strings.TrimSpace(stt.JoinText(segments))
	if text == "" {
		text = strings.TrimSpace(tr.Text)
	}
	if text == "" {
		return nil, ErrEmptyTranscript
	}

	sr, err := p.structure(ctx, text)
	if err != nil {
		return nil, err
	}
	if sr.Fallback {
		log.Warn("pipeline: part of the transcript was structured without the model", "chunks", sr.Chunks)
	}

	blocks, err := p.Realign(ctx, segments, tr.Speakers, sr.Blocks)
	if err != nil {
		return nil, err
	}

	doc := &document.Document{
		Meta: document.Meta{
			Title:             titleFor(in),
			Language:          firstNonEmpty(tr.Language, in.Language),
			Duration:          duration(tr, segments),
			Source:            in.Filename,
			StructureFallback: sr.Fallback,
			Speakers:          tr.Speakers,
			Corrections:       corrections,
		},
		Blocks:   blocks,
		Segments: segments,
	}
	if err := p.persist(ctx, doc); err != nil {
		return nil, err
	}
	log.Info("pipeline: document stored",
		"doc_id", doc.ID,
		"blocks", doc.Meta.Stats.Blocks,
		"timed", doc.Meta.Stats.Timed,
		"needs_review", doc.Meta.Stats.NeedsReview,
	)
	return &Result{Document: doc, Chunks: sr.Chunks, Usage: sr.Usage}, nil
}

// Realign aligns blocks against segments and applies speaker turns (or the
// configured diarizer when turns is empty). It is the part of the pipeline
// that runs again after a user edits a document.
func (p *Pipeline) Realign(ctx context.Context, segments []align.Segment, turns []align.SpeakerTurn, blocks []align.Block) (_ []align.AnnotatedBlock, err error) {
	actx, done := observe.StartStage(ctx, p.metrics, observe.StageAlign)
	annotated := p.aligner.Load().Align(blocks, segments)
	done(nil)

	if p.metrics != nil {
		st := align.Summarize(annotated)
		p.metrics.RecordAlignment(actx, st.Blocks, st.Timed, st.NeedsReview)
	}

	var d align.Diarizer = p.diarizer
	if len(turns) > 0 {
		d = align.TurnDiarizer{Turns: turns}
	}
	dctx, done := observe.StartStage(ctx, p.metrics, observe.StageDiarize)
	defer func() { done(err) }()
	out, err := d.Diarize(dctx, annotated)
	if err != nil {
		return nil, fmt.Errorf("pipeline: diarize: %w", err)
	}
	return out, nil
}

func (p *Pipeline) transcribe(ctx context.Context, in Input, glossary []string) (_ *stt.Transcription, err error) {
	ctx, done := observe.StartStage(ctx, p.metrics, observe.StageTranscribe)
	defer func() { done(err) }()

	prompt := in.Prompt
	if prompt == "" && len(glossary) > 0 {
		prompt = strings.Join(glossary, ", ")
	}
	tr, err := p.stt.Transcribe(ctx, stt.Request{
		Audio:       in.Audio,
		Filename:    in.Filename,
		ContentType: in.ContentType,
		Language:    in.Language,
		Prompt:      prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: transcribe: %w", err)
	}
	return tr, nil
}

func (p *Pipeline) correct(ctx context.Context, c transcript.Corrector, segs []align.Segment, glossary []string) (_ []align.Segment, _ []transcript.Correction, err error) {
	ctx, done := observe.StartStage(ctx, p.metrics, observe.StageCorrect)
	defer func() { done(err) }()

	res, err := c.Correct(ctx, segs, glossary)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: correct: %w", err)
	}
	return res.Segments, res.Corrections, nil
}

func (p *Pipeline) structure(ctx context.Context, text string) (_ *structure.Result, err error) {
	ctx, done := observe.StartStage(ctx, p.metrics, observe.StageStructure)
	defer func() { done(err) }()

	s := p.structurer.Load().Structurer
	if s == nil {
		return nil, errors.New("pipeline: no structurer configured")
	}
	res, err := s.Structure(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("pipeline: structure: %w", err)
	}
	return res, nil
}

func (p *Pipeline) persist(ctx context.Context, doc *document.Document) (err error) {
	ctx, done := observe.StartStage(ctx, p.metrics, observe.StagePersist)
	defer func() { done(err) }()

	if p.store == nil {
		return errors.New("pipeline: no document store configured")
	}
	if err := p.store.Create(ctx, doc); err != nil {
		return fmt.Errorf("pipeline: persist: %w", err)
	}
	return nil
}

// mergeTerms returns base followed by the extra terms not already present
// (case-insensitive).
func mergeTerms(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]struct{}, len(base)+len(extra))
	for _, t := range slices.Concat(base, extra) {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func titleFor(in Input) string {
	if in.Title != "" {
		return in.Title
	}
	if in.Filename == "" {
		return "Untitled lecture"
	}
	base := filepath.Base(in.Filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func duration(tr *stt.Transcription, segs []align.Segment) float64 {
	if tr.Duration > 0 {
		return tr.Duration
	}
	var end float64
	for _, s := range segs {
		end = max(end, s.End)
	}
	return end
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
