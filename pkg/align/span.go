package align

import (
	"slices"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultMinFallbackChars = 20
	defaultAnchorChars      = 40
	defaultMaxDistanceRatio = 0.25
	defaultWordSimilarity   = 0.85
)

// Span is a half-open byte range [Start, End) within the full transcript
// text.
type Span struct {
	Start int
	End   int
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int { return s.End - s.Start }

// SpanFinder locates the text of a block inside the concatenated transcript.
//
// Implementations must be safe for concurrent use and must not retain
// needle or haystack after returning.
type SpanFinder interface {
	// FindSpan returns the byte range of haystack that corresponds to
	// needle. ok is false when no acceptable match exists.
	FindSpan(needle, haystack string) (span Span, ok bool)
}

// Preparer is implemented by finders that index a haystack once and answer
// many lookups against it. The returned finder must be safe for concurrent
// use; asked about any other haystack it behaves like the unprepared finder.
type Preparer interface {
	Prepare(haystack string) SpanFinder
}

// Prepare returns f prepared for haystack when f implements [Preparer], and
// f itself otherwise.
func Prepare(f SpanFinder, haystack string) SpanFinder {
	if p, ok := f.(Preparer); ok {
		return p.Prepare(haystack)
	}
	return f
}

// DefaultFinder returns the finder used by [New] when no [WithSpanFinder]
// option is supplied: an exact match, then head/tail anchors, then fuzzy
// anchors.
func DefaultFinder() SpanFinder {
	return ChainFinder{ExactFinder{}, HeadTailFinder{}, FuzzyAnchorFinder{}}
}

// ChainFinder tries each finder in order and returns the first match.
type ChainFinder []SpanFinder

// Prepare implements [Preparer] by preparing every stage that supports it.
func (c ChainFinder) Prepare(haystack string) SpanFinder {
	out := make(ChainFinder, len(c))
	for i, f := range c {
		out[i] = Prepare(f, haystack)
	}
	return out
}

// FindSpan implements [SpanFinder].
func (c ChainFinder) FindSpan(needle, haystack string) (Span, bool) {
	for _, f := range c {
		if sp, ok := f.FindSpan(needle, haystack); ok {
			return sp, true
		}
	}
	return Span{}, false
}

// ExactFinder matches the first literal occurrence of needle.
type ExactFinder struct{}

// FindSpan implements [SpanFinder].
func (ExactFinder) FindSpan(needle, haystack string) (Span, bool) {
	if needle == "" {
		return Span{}, false
	}
	i := strings.Index(haystack, needle)
	if i < 0 {
		return Span{}, false
	}
	return Span{Start: i, End: i + len(needle)}, true
}

// HeadTailFinder anchors the opening and closing characters of needle in
// haystack. It tolerates rewording in the middle of a block as long as the
// first and last AnchorChars characters survive verbatim.
//
// The head anchor uses its first occurrence, the tail anchor its last, and
// the tail must start strictly after the head. Needles of MinChars characters
// or fewer are never matched.
type HeadTailFinder struct {
	// MinChars defaults to 20.
	MinChars int
	// AnchorChars defaults to 40.
	AnchorChars int
}

// FindSpan implements [SpanFinder].
func (f HeadTailFinder) FindSpan(needle, haystack string) (Span, bool) {
	minChars, anchorChars := anchorLimits(f.MinChars, f.AnchorChars)
	if utf8.RuneCountInString(needle) <= minChars {
		return Span{}, false
	}
	head := headChars(needle, anchorChars)
	tail := tailChars(needle, anchorChars)

	h := strings.Index(haystack, head)
	if h < 0 {
		return Span{}, false
	}
	t := strings.LastIndex(haystack, tail)
	if t < 0 || t <= h {
		return Span{}, false
	}
	return Span{Start: h, End: t + len(tail)}, true
}

// FuzzyAnchorFinder is a tolerant variant of [HeadTailFinder]. Anchors may
// match approximately: a candidate window is accepted when its Levenshtein
// distance to the anchor is at most MaxDistanceRatio times the anchor length.
//
// Candidate windows are limited to word boundaries whose word resembles the
// anchor's outer word (first word for the head, last word for the tail).
// Windows whose character counts already differ by more than the allowed
// distance are skipped without computing the distance.
//
// FuzzyAnchorFinder implements [Preparer]; the [Aligner] indexes the
// transcript once per call instead of once per block.
type FuzzyAnchorFinder struct {
	// MinChars defaults to 20.
	MinChars int
	// AnchorChars defaults to 40.
	AnchorChars int
	// MaxDistanceRatio defaults to 0.25.
	MaxDistanceRatio float64
	// WordSimilarity is the minimum Jaro-Winkler score for a haystack word to
	// seed a candidate window. Defaults to 0.85.
	WordSimilarity float64
}

// FindSpan implements [SpanFinder].
func (f FuzzyAnchorFinder) FindSpan(needle, haystack string) (Span, bool) {
	if haystack == "" {
		return Span{}, false
	}
	return f.findSpan(needle, indexRunes(haystack))
}

// Prepare implements [Preparer].
func (f FuzzyAnchorFinder) Prepare(haystack string) SpanFinder {
	return &preparedFuzzy{finder: f, haystack: haystack, idx: indexRunes(haystack)}
}

type preparedFuzzy struct {
	finder   FuzzyAnchorFinder
	haystack string
	idx      *runeIndex
}

func (p *preparedFuzzy) FindSpan(needle, haystack string) (Span, bool) {
	if haystack != p.haystack {
		return p.finder.FindSpan(needle, haystack)
	}
	if haystack == "" {
		return Span{}, false
	}
	return p.finder.findSpan(needle, p.idx)
}

func (f FuzzyAnchorFinder) findSpan(needle string, idx *runeIndex) (Span, bool) {
	minChars, anchorChars := anchorLimits(f.MinChars, f.AnchorChars)
	if utf8.RuneCountInString(needle) <= minChars {
		return Span{}, false
	}

	head := lowerString(headChars(needle, anchorChars))
	tail := lowerString(tailChars(needle, anchorChars))

	hStart, _, ok := f.matchAnchor(head, idx, false)
	if !ok {
		return Span{}, false
	}
	tStart, tEnd, ok := f.matchAnchor(tail, idx, true)
	if !ok || tStart <= hStart {
		return Span{}, false
	}
	return Span{Start: hStart, End: tEnd}, true
}

// matchAnchor returns the byte range of the best window for anchor. Head
// windows grow rightwards from a word start and ties keep the earliest;
// tail windows grow leftwards from a word end and ties keep the latest.
func (f FuzzyAnchorFinder) matchAnchor(anchor string, idx *runeIndex, tail bool) (int, int, bool) {
	ratio := f.MaxDistanceRatio
	if ratio <= 0 {
		ratio = defaultMaxDistanceRatio
	}
	simThreshold := f.WordSimilarity
	if simThreshold <= 0 {
		simThreshold = defaultWordSimilarity
	}

	fields := strings.Fields(anchor)
	if len(fields) == 0 {
		return 0, 0, false
	}
	seed := fields[0]
	if tail {
		seed = fields[len(fields)-1]
	}
	seed = normWord(seed)
	if seed == "" {
		return 0, 0, false
	}

	m := newAnchorMatcher(anchor, int(ratio*float64(utf8.RuneCountInString(anchor))))
	raw := make([]int, m.hi-m.lo+1)
	core := make([]int, m.hi-m.lo+1)

	bestDist, bestStart, bestEnd := -1, 0, 0
	consider := func(d, pos, k int) {
		if d < 0 || (bestDist >= 0 && d >= bestDist) {
			return
		}
		from, to := pos, pos+m.lo+k
		if tail {
			from, to = pos-m.lo-k, pos
		}
		bestDist, bestStart, bestEnd = d, idx.byteAt(from), idx.byteAt(to)
	}

	// Windows are anchored both at the raw word boundary and at the
	// boundary with punctuation stripped.
	visit := func(w word) {
		pos, corePos := w.start, w.coreStart
		if tail {
			pos, corePos = w.end, w.coreEnd
		}
		m.distances(idx, pos, tail, raw)
		hasCore := corePos != pos
		if hasCore {
			m.distances(idx, corePos, tail, core)
		}
		for k := range raw {
			consider(raw[k], pos, k)
			if hasCore {
				consider(core[k], corePos, k)
			}
		}
	}

	cands := idx.similarWords(seed, simThreshold)
	if tail {
		for i := len(cands) - 1; i >= 0 && bestDist != 0; i-- {
			visit(idx.words[cands[i]])
		}
	} else {
		for i := 0; i < len(cands) && bestDist != 0; i++ {
			visit(idx.words[cands[i]])
		}
	}
	if bestDist < 0 {
		return 0, 0, false
	}
	return bestStart, bestEnd, true
}

// anchorMatcher computes bounded edit distances between one anchor and the
// windows around a word boundary. It is not safe for concurrent use.
type anchorMatcher struct {
	anchor  string
	n       int
	maxDist int
	lo, hi  int // window lengths considered, in runes

	// Character histogram of the anchor. Runes absent from the anchor share
	// the last slot.
	slots map[rune]int
	base  []int
	diff  []int
}

func newAnchorMatcher(anchor string, maxDist int) *anchorMatcher {
	m := &anchorMatcher{anchor: anchor, maxDist: maxDist, slots: make(map[rune]int)}
	for _, r := range anchor {
		s, ok := m.slots[r]
		if !ok {
			s = len(m.base)
			m.slots[r] = s
			m.base = append(m.base, 0)
		}
		m.base[s]++
		m.n++
	}
	m.base = append(m.base, 0)
	m.diff = make([]int, len(m.base))
	m.lo, m.hi = max(m.n-maxDist, 1), m.n+maxDist
	return m
}

func (m *anchorMatcher) slot(r rune) int {
	if s, ok := m.slots[r]; ok {
		return s
	}
	return len(m.base) - 1
}

// distances fills out[k] with the edit distance between the anchor and the
// window of m.lo+k runes starting (or, for tail, ending) at pos, or -1 when
// that distance exceeds m.maxDist or the window leaves the haystack.
//
// Half the L1 distance of the character histograms is a lower bound of the
// edit distance, and the distances of windows one rune apart differ by at
// most one. Both bounds skip windows before matchr computes the exact value.
func (m *anchorMatcher) distances(idx *runeIndex, pos int, tail bool, out []int) {
	for k := range out {
		out[k] = -1
	}
	copy(m.diff, m.base)
	l1 := m.n
	next := m.lo
	count := idx.count()
	for l := 1; l <= m.hi; l++ {
		p := pos + l - 1
		if tail {
			p = pos - l
		}
		if p < 0 || p >= count {
			return
		}
		s := m.slot(idx.lower[p])
		if m.diff[s] > 0 {
			l1--
		} else {
			l1++
		}
		m.diff[s]--

		if l < next || (l1+1)/2 > m.maxDist {
			continue
		}
		from, to := pos, pos+l
		if tail {
			from, to = pos-l, pos
		}
		d := matchr.Levenshtein(m.anchor, string(idx.lower[from:to]))
		if d <= m.maxDist {
			out[l-m.lo] = d
			continue
		}
		next = l + d - m.maxDist
	}
}

func similarWord(a, b string, threshold float64) bool {
	if a == b {
		return true
	}
	if a == "" || b == "" {
		return false
	}
	return matchr.JaroWinkler(a, b, false) >= threshold
}

func normWord(w string) string {
	return lowerString(strings.TrimFunc(w, isPunct))
}

// lowerString lowercases s rune by rune, so its rune count and positions
// match the lowered haystack.
func lowerString(s string) string {
	return strings.Map(unicode.ToLower, s)
}

// runeIndex maps rune positions of a string to byte offsets and records the
// whitespace-delimited words it contains. It is read-only once built, apart
// from the seed cache.
type runeIndex struct {
	offsets []int  // byte offset of each rune plus a trailing len(s)
	lower   []rune // lowercased runes of s
	words   []word
	vocab   map[string][]int // normalised word -> word indices, ascending

	seeds sync.Map // seed word -> []int, see similarWords
}

type word struct {
	start, end int // rune positions, end exclusive
	// core bounds exclude leading and trailing punctuation
	coreStart, coreEnd int
	norm               string
}

func indexRunes(s string) *runeIndex {
	idx := &runeIndex{
		offsets: make([]int, 0, len(s)+1),
		lower:   make([]rune, 0, len(s)),
		vocab:   make(map[string][]int),
	}
	wordStart := -1
	i := 0
	for pos, r := range s {
		idx.offsets = append(idx.offsets, pos)
		idx.lower = append(idx.lower, unicode.ToLower(r))
		if unicode.IsSpace(r) {
			if wordStart >= 0 {
				idx.addWord(s, wordStart, i)
				wordStart = -1
			}
		} else if wordStart < 0 {
			wordStart = i
		}
		i++
	}
	idx.offsets = append(idx.offsets, len(s))
	if wordStart >= 0 {
		idx.addWord(s, wordStart, i)
	}
	return idx
}

func (idx *runeIndex) addWord(s string, start, end int) {
	w := word{
		start:     start,
		end:       end,
		coreStart: start,
		coreEnd:   end,
		norm:      normWord(s[idx.offsets[start]:idx.offsets[end]]),
	}
	for w.coreStart < w.coreEnd && isPunct(idx.runeAt(s, w.coreStart)) {
		w.coreStart++
	}
	for w.coreEnd > w.coreStart && isPunct(idx.runeAt(s, w.coreEnd-1)) {
		w.coreEnd--
	}
	if w.norm != "" {
		idx.vocab[w.norm] = append(idx.vocab[w.norm], len(idx.words))
	}
	idx.words = append(idx.words, w)
}

// similarWords returns the ascending indices of the words that resemble seed.
// Each distinct word is compared once per seed.
func (idx *runeIndex) similarWords(seed string, threshold float64) []int {
	type key struct {
		seed      string
		threshold float64
	}
	k := key{seed, threshold}
	if v, ok := idx.seeds.Load(k); ok {
		return v.([]int)
	}
	var out []int
	for norm, positions := range idx.vocab {
		if similarWord(norm, seed, threshold) {
			out = append(out, positions...)
		}
	}
	slices.Sort(out)
	idx.seeds.Store(k, out)
	return out
}

func (idx *runeIndex) runeAt(s string, pos int) rune {
	r, _ := utf8.DecodeRuneInString(s[idx.offsets[pos]:])
	return r
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func (idx *runeIndex) count() int { return len(idx.offsets) - 1 }

func (idx *runeIndex) byteAt(runePos int) int { return idx.offsets[runePos] }

func anchorLimits(minChars, anchorChars int) (int, int) {
	if minChars <= 0 {
		minChars = defaultMinFallbackChars
	}
	if anchorChars <= 0 {
		anchorChars = defaultAnchorChars
	}
	return minChars, anchorChars
}

// headChars returns the first n characters of s.
func headChars(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// tailChars returns the last n characters of s.
func tailChars(s string, n int) string {
	skip := utf8.RuneCountInString(s) - n
	if skip <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == skip {
			return s[pos:]
		}
		i++
	}
	return s
}
