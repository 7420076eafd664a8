package transcript

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dicttr/internal/observe"
	"github.com/MrWong99/dicttr/internal/transcript/llmcorrect"
	"github.com/MrWong99/dicttr/internal/transcript/phonetic"
	"github.com/MrWong99/dicttr/pkg/align"
)

const (
	defaultLLMConfidenceThreshold = 0.5
	defaultLLMConcurrency         = 4
)

// PipelineOption is a functional option for configuring a [CorrectionPipeline].
type PipelineOption func(*CorrectionPipeline)

// WithTermMatcher attaches a [TermMatcher] as the first correction stage.
// When nil (the default), the phonetic stage is skipped entirely.
func WithTermMatcher(m TermMatcher) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.matcher = m
	}
}

// WithLLMCorrector attaches an [llmcorrect.Corrector] as the second
// correction stage. When nil (the default), the LLM stage is skipped.
func WithLLMCorrector(c *llmcorrect.Corrector) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.llmCorrector = c
	}
}

// WithLLMOnLowConfidence sets the segment confidence below which a segment
// is sent to the LLM corrector. Segments without recogniser statistics are
// never sent. Default: 0.5.
func WithLLMOnLowConfidence(threshold float64) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.llmThreshold = threshold
	}
}

// WithLLMConcurrency bounds the number of segments corrected by the LLM in
// parallel. Default: 4.
func WithLLMConcurrency(n int) PipelineOption {
	return func(p *CorrectionPipeline) {
		if n > 0 {
			p.llmConcurrency = n
		}
	}
}

// CorrectionPipeline is the two-stage implementation of [Corrector].
// Both stages are optional and applied in order. It is safe for concurrent
// use.
type CorrectionPipeline struct {
	matcher        TermMatcher
	llmCorrector   *llmcorrect.Corrector
	llmThreshold   float64
	llmConcurrency int
}

var _ Corrector = (*CorrectionPipeline)(nil)

// NewPipeline constructs a [CorrectionPipeline]. By default both stages are
// disabled; use [WithTermMatcher] and [WithLLMCorrector] to activate them.
func NewPipeline(opts ...PipelineOption) *CorrectionPipeline {
	p := &CorrectionPipeline{
		llmThreshold:   defaultLLMConfidenceThreshold,
		llmConcurrency: defaultLLMConcurrency,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Correct implements [Corrector].
//
// LLM failures other than context cancellation are logged and leave the
// affected segment with its phonetic corrections only.
func (p *CorrectionPipeline) Correct(ctx context.Context, segments []align.Segment, glossary []string) (*Result, error) {
	out := &Result{Segments: slices.Clone(segments)}
	if len(segments) == 0 {
		return out, nil
	}
	g := phonetic.Prepare(glossary)
	if g.Len() == 0 {
		return out, nil
	}

	// --- Stage 1: phonetic matching ---
	var phoneticFixed map[int]bool
	if p.matcher != nil {
		phoneticFixed = map[int]bool{}
		for i := range out.Segments {
			text, corrections := p.applyPhonetic(out.Segments[i].Text, glossary, g)
			if len(corrections) == 0 {
				continue
			}
			out.Segments[i].Text = text
			phoneticFixed[i] = true
			for _, c := range corrections {
				c.Segment = i
				out.Corrections = append(out.Corrections, c)
			}
		}
	}

	// --- Stage 2: LLM correction of low-confidence segments ---
	if p.llmCorrector != nil {
		llmCorrections, err := p.applyLLM(ctx, out.Segments, glossary)
		if err != nil {
			return nil, err
		}
		out.Corrections = append(out.Corrections, llmCorrections...)
	}

	slices.SortStableFunc(out.Corrections, func(a, b Correction) int {
		return a.Segment - b.Segment
	})
	return out, nil
}

// applyLLM corrects low-confidence segments in place and returns the
// corrections made.
func (p *CorrectionPipeline) applyLLM(ctx context.Context, segs []align.Segment, glossary []string) ([]Correction, error) {
	var targets []int
	for i, s := range segs {
		if conf, ok := align.SegmentConfidence(s); ok && conf < p.llmThreshold {
			targets = append(targets, i)
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	var (
		mu          sync.Mutex
		corrections []Correction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.llmConcurrency)
	for _, idx := range targets {
		original := segs[idx].Text
		g.Go(func() error {
			text, raw, err := p.llmCorrector.Correct(gctx, original, glossary, nil)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				observe.Logger(gctx).Warn("transcript: llm correction failed, keeping segment",
					"segment", idx, "err", err)
				return nil
			}
			if len(raw) == 0 {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			segs[idx].Text = text
			for _, rc := range raw {
				corrections = append(corrections, Correction{
					Segment:    idx,
					Original:   rc.Original,
					Corrected:  rc.Corrected,
					Confidence: rc.Confidence,
					Method:     MethodLLM,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return corrections, nil
}

// token is a whitespace-separated word split into its punctuation and
// letters: "(cuber" has lead "(" and core "cuber".
type token struct {
	raw, lead, core, trail string
}

func splitToken(raw string) token {
	isEdge := func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) }
	core := strings.TrimLeftFunc(raw, isEdge)
	lead := raw[:len(raw)-len(core)]
	trimmed := strings.TrimRightFunc(core, isEdge)
	return token{raw: raw, lead: lead, core: trimmed, trail: core[len(trimmed):]}
}

// candidate is the best window found at one position.
type candidate struct {
	n         int
	term      string
	termWords int
	score     float64
}

// better ranks candidates: more glossary words covered wins, then the higher
// score, then the shorter window.
func (c candidate) better(o candidate) bool {
	if c.termWords != o.termWords {
		return c.termWords > o.termWords
	}
	if c.score != o.score {
		return c.score > o.score
	}
	return c.n < o.n
}

// applyPhonetic scans text with word windows of up to one word more than the
// longest term (to catch terms split by the recogniser). Windows never cross
// punctuation. Text without corrections is returned unchanged.
func (p *CorrectionPipeline) applyPhonetic(text string, glossary []string, g *phonetic.Glossary) (string, []Correction) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return text, nil
	}
	tokens := make([]token, len(fields))
	for i, f := range fields {
		tokens[i] = splitToken(f)
	}

	match := func(phrase string) (string, float64, bool) {
		return p.matcher.Match(phrase, glossary)
	}
	if pm, ok := p.matcher.(*phonetic.Matcher); ok {
		match = func(phrase string) (string, float64, bool) {
			return pm.MatchPrepared(phrase, g)
		}
	}
	maxWindow := g.MaxWords() + 1

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		var best candidate
		found := false
		for n := 1; n <= maxWindow && i+n <= len(tokens); n++ {
			phrase, ok := windowPhrase(tokens[i : i+n])
			if !ok {
				break
			}
			term, score, matched := match(phrase)
			if !matched {
				continue
			}
			c := candidate{n: n, term: term, termWords: len(strings.Fields(term)), score: score}
			if !found || c.better(best) {
				best, found = c, true
			}
		}

		if !found {
			out = append(out, tokens[i].raw)
			i++
			continue
		}

		window := tokens[i : i+best.n]
		phrase, _ := windowPhrase(window)
		if phrase == best.term {
			for _, t := range window {
				out = append(out, t.raw)
			}
		} else {
			out = append(out, window[0].lead+best.term+window[len(window)-1].trail)
			corrections = append(corrections, Correction{
				Original:   phrase,
				Corrected:  best.term,
				Confidence: best.score,
				Method:     MethodPhonetic,
			})
		}
		i += best.n
	}

	if len(corrections) == 0 {
		return text, nil
	}
	// Segment texts carry their separating whitespace; keep it.
	lead := text[:len(text)-len(strings.TrimLeftFunc(text, unicode.IsSpace))]
	trail := text[len(strings.TrimRightFunc(text, unicode.IsSpace)):]
	return lead + strings.Join(out, " ") + trail, corrections
}

// windowPhrase joins the cores of tokens. It reports false when punctuation
// separates two tokens of the window or a token has no letters.
func windowPhrase(tokens []token) (string, bool) {
	cores := make([]string, len(tokens))
	for i, t := range tokens {
		if t.core == "" {
			return "", false
		}
		if i > 0 && t.lead != "" {
			return "", false
		}
		if i < len(tokens)-1 && t.trail != "" {
			return "", false
		}
		cores[i] = t.core
	}
	return strings.Join(cores, " "), true
}
