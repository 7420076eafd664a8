// Package align re-establishes timing for restructured lecture content.
//
// A speech-to-text backend produces time-stamped [Segment] values; an LLM
// then reorganises the transcript into [Block] values (headings, paragraphs,
// lists) that carry no timing and may reword, merge or split the original
// text. The [Aligner] reconciles both: for each block it locates the block's
// text inside the concatenated segment text, maps that character span back
// to the segments it touches, and derives a time range and an aggregated
// confidence.
//
// Alignment never fails. Uncertainty is encoded as data instead: blocks whose
// placement is doubtful carry [TagReviewTiming], and fields that could not be
// determined are left nil.
//
// Text search is pluggable through [SpanFinder]. The default chain prefers an
// exact substring match, then head/tail anchors, then approximate anchors.
//
// All exported functions are pure and safe for concurrent use.
package align

import "unicode/utf8"

const (
	defaultReviewThreshold = 0.6
	defaultConfidenceFloor = 0.1
	defaultLongBlockChars  = 200
)

// Option is a functional option for configuring an [Aligner].
type Option func(*Aligner)

// WithSpanFinder replaces the text search strategy. Default: [DefaultFinder].
func WithSpanFinder(f SpanFinder) Option {
	return func(a *Aligner) {
		if f != nil {
			a.finder = f
		}
	}
}

// WithReviewThreshold sets the confidence below which a timed block is tagged
// for review. Default: 0.6.
func WithReviewThreshold(t float64) Option {
	return func(a *Aligner) {
		a.reviewThreshold = t
	}
}

// WithConfidenceFloor sets the aggregate confidence at or below which the
// value is not published on the block. Default: 0.1.
func WithConfidenceFloor(f float64) Option {
	return func(a *Aligner) {
		a.confidenceFloor = f
	}
}

// WithLongBlockChars sets the length (in characters) above which a block is
// tagged for review when no segments are available at all. Default: 200.
func WithLongBlockChars(n int) Option {
	return func(a *Aligner) {
		a.longBlockChars = n
	}
}

// WithFlagMissingConfidence makes the aligner also tag timed blocks whose
// segments carry no recogniser statistics. Off by default.
func WithFlagMissingConfidence(flag bool) Option {
	return func(a *Aligner) {
		a.flagMissingConfidence = flag
	}
}

// Aligner assigns time ranges, confidence and review tags to blocks.
// It holds only immutable configuration and is safe for concurrent use.
type Aligner struct {
	finder                SpanFinder
	reviewThreshold       float64
	confidenceFloor       float64
	longBlockChars        int
	flagMissingConfidence bool
}

// New returns an [Aligner] configured with opts.
func New(opts ...Option) *Aligner {
	a := &Aligner{
		finder:          DefaultFinder(),
		reviewThreshold: defaultReviewThreshold,
		confidenceFloor: defaultConfidenceFloor,
		longBlockChars:  defaultLongBlockChars,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Align runs an [Aligner] with default settings over blocks and segments.
func Align(blocks []Block, segments []Segment) []AnnotatedBlock {
	return New().Align(blocks, segments)
}

// Align returns one [AnnotatedBlock] per input block, in order. Neither
// blocks nor segments are modified.
//
// Segments must be ordered by start time; their texts concatenated without a
// separator form the reference the block texts are searched in.
func (a *Aligner) Align(blocks []Block, segments []Segment) []AnnotatedBlock {
	out := make([]AnnotatedBlock, 0, len(blocks))

	if len(segments) == 0 {
		for _, b := range blocks {
			tags := cloneTags(b.Tags)
			if utf8.RuneCountInString(b.Flatten()) > a.longBlockChars {
				tags = appendTag(tags, TagReviewTiming)
			}
			out = append(out, annotate(b, tags, nil, nil))
		}
		return out
	}

	ref := newReference(segments)
	finder := Prepare(a.finder, ref.full)
	for _, b := range blocks {
		out = append(out, a.alignBlock(b, ref, finder))
	}
	return out
}

func (a *Aligner) alignBlock(b Block, ref *reference, finder SpanFinder) AnnotatedBlock {
	text := b.Flatten()
	if text == "" {
		return annotate(b, []string{TagReviewTiming}, nil, nil)
	}

	tags := cloneTags(b.Tags)
	span, ok := finder.FindSpan(text, ref.full)
	if !ok {
		return annotate(b, appendTag(tags, TagReviewTiming), nil, nil)
	}

	tr, conf, hasConf := ref.spanToTime(span)

	var published *float64
	if hasConf && conf > a.confidenceFloor {
		published = &conf
	}

	switch {
	case tr == nil:
		tags = appendTag(tags, TagReviewTiming)
	case hasConf && conf < a.reviewThreshold:
		tags = appendTag(tags, TagReviewTiming)
	case !hasConf && a.flagMissingConfidence:
		tags = appendTag(tags, TagReviewTiming)
	}
	return annotate(b, tags, tr, published)
}

// reference is the concatenated segment text plus the byte range each
// segment occupies within it.
type reference struct {
	full     string
	segments []Segment
	offsets  []Span
}

func newReference(segments []Segment) *reference {
	var (
		n       int
		offsets = make([]Span, len(segments))
	)
	for i, s := range segments {
		offsets[i] = Span{Start: n, End: n + len(s.Text)}
		n += len(s.Text)
	}
	buf := make([]byte, 0, n)
	for _, s := range segments {
		buf = append(buf, s.Text...)
	}
	return &reference{full: string(buf), segments: segments, offsets: offsets}
}

// spanToTime maps a byte span of the full text to the union of the time
// ranges of every segment it touches and the aggregate confidence of those
// segments. tr is nil when no segment ends after the span start.
func (r *reference) spanToTime(sp Span) (tr *TimeRange, conf float64, hasConf bool) {
	first := -1
	for i, off := range r.offsets {
		if off.End > sp.Start {
			first = i
			break
		}
	}
	if first < 0 {
		return nil, 0, false
	}

	last := len(r.offsets) - 1
	for j := first; j < len(r.offsets); j++ {
		if r.offsets[j].Start >= sp.End {
			last = j - 1
			break
		}
	}
	if last < first {
		last = first
	}

	tr = &TimeRange{Start: r.segments[first].Start, End: r.segments[last].End}
	conf, hasConf = AverageConfidence(r.segments[first : last+1])
	return tr, conf, hasConf
}

func annotate(b Block, tags []string, tr *TimeRange, conf *float64) AnnotatedBlock {
	ab := AnnotatedBlock{
		Block:      b,
		Speaker:    SpeakerUnknown,
		Time:       tr,
		Confidence: conf,
	}
	ab.Items = cloneItems(b.Items)
	ab.Tags = nil
	if len(tags) > 0 {
		ab.Tags = tags
	}
	return ab
}

func cloneTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	return append([]string(nil), tags...)
}

func cloneItems(items []string) []string {
	if items == nil {
		return nil
	}
	return append([]string(nil), items...)
}
