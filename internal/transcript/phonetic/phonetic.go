// Package phonetic implements the [transcript.TermMatcher] interface using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// A phrase (one or more transcript words) is compared against every glossary
// term of a compatible shape:
//
//   - Same word count: the words are compared position by position and the
//     Jaro-Winkler scores are averaged ("redes neuronalez" vs "Redes
//     Neuronales").
//   - One word more than the term: the phrase is treated as a term the
//     recogniser split in two ("cuber netes" vs "Kubernetes") and compared
//     without spaces. Split phrases are only accepted on a phonetic match.
//
// A candidate is phonetic when the Double Metaphone codes of the phrase and
// the term, both taken without spaces, share a code. Phonetic candidates need
// a score of at least the phonetic threshold (default 0.70); others need the
// stricter fuzzy threshold (default 0.85).
package phonetic

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinRunes          = 4
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when the
// phonetic codes do not overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// WithMinRunes sets the shortest phrase (without spaces) that is compared at
// all. Short function words ("de", "la", "the") never match. Default: 4.
func WithMinRunes(n int) Option {
	return func(m *Matcher) {
		m.minRunes = n
	}
}

// Matcher is a phonetic term matcher. It implements [transcript.TermMatcher].
// All methods are safe for concurrent use; the Matcher is read-only after
// construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minRunes          int
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minRunes:          defaultMinRunes,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is a glossary entry with its comparison data computed once.
type term struct {
	canonical string
	tokens    []string
	joined    string
	runes     int
	codes     codeSet
}

// Glossary is a prepared list of terms. Build it once per correction run
// with [Prepare] and reuse it for every phrase.
type Glossary struct {
	terms    []term
	maxWords int
}

// Prepare lowercases, tokenises and encodes terms. Blank and duplicate
// terms are dropped.
func Prepare(terms []string) *Glossary {
	g := &Glossary{}
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		canonical := strings.Join(strings.Fields(t), " ")
		lower := strings.ToLower(canonical)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}

		tokens := strings.Fields(lower)
		joined := strings.Join(tokens, "")
		g.terms = append(g.terms, term{
			canonical: canonical,
			tokens:    tokens,
			joined:    joined,
			runes:     utf8.RuneCountInString(joined),
			codes:     encode(joined),
		})
		g.maxWords = max(g.maxWords, len(tokens))
	}
	return g
}

// Len returns the number of distinct terms.
func (g *Glossary) Len() int { return len(g.terms) }

// MaxWords returns the word count of the longest term.
func (g *Glossary) MaxWords() int { return g.maxWords }

// Match finds the term in terms that best matches phrase.
//
// When matched is false, corrected equals phrase unchanged and confidence is
// 0. A phrase equal to a term apart from letter case matches with
// confidence 1.
func (m *Matcher) Match(phrase string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(phrase, Prepare(terms))
}

// MatchPrepared is [Matcher.Match] against a prepared [Glossary].
func (m *Matcher) MatchPrepared(phrase string, g *Glossary) (corrected string, confidence float64, matched bool) {
	tokens := strings.Fields(strings.ToLower(phrase))
	if g == nil || len(g.terms) == 0 || len(tokens) == 0 {
		return phrase, 0, false
	}
	joined := strings.Join(tokens, "")
	runes := utf8.RuneCountInString(joined)
	if runes < m.minRunes {
		return phrase, 0, false
	}

	var (
		codes     codeSet
		best      *term
		bestScore float64
		bestPhon  bool
	)
	for i := range g.terms {
		t := &g.terms[i]
		split := len(tokens) == len(t.tokens)+1
		if len(tokens) != len(t.tokens) && !split {
			continue
		}
		if !lengthCompatible(runes, t.runes) {
			continue
		}
		if joined == t.joined && !split {
			return t.canonical, 1, true
		}

		if codes == nil {
			codes = encode(joined)
		}
		phon := codes.overlaps(t.codes)
		if split && !phon {
			continue
		}

		var score float64
		if split {
			score = matchr.JaroWinkler(joined, t.joined, false)
		} else {
			score = positionalScore(tokens, t.tokens)
		}

		switch {
		case phon && score >= m.phoneticThreshold:
			if !bestPhon || score > bestScore {
				best, bestScore, bestPhon = t, score, true
			}
		case !phon && !bestPhon && score >= m.fuzzyThreshold && score > bestScore:
			best, bestScore = t, score
		}
	}

	if best == nil {
		return phrase, 0, false
	}
	return best.canonical, bestScore, true
}

// positionalScore averages the Jaro-Winkler similarity of aligned words.
func positionalScore(a, b []string) float64 {
	var sum float64
	for i := range a {
		sum += matchr.JaroWinkler(a[i], b[i], false)
	}
	return sum / float64(len(a))
}

// lengthCompatible rejects pairs whose letter counts differ by more than a
// quarter of the term (at least two letters).
func lengthCompatible(phrase, term int) bool {
	diff := phrase - term
	if diff < 0 {
		diff = -diff
	}
	return diff <= max(2, term/4)
}

type codeSet map[string]struct{}

// encode returns the Double Metaphone codes of s with diacritics folded to
// their base letter, so "código" and "codigo" encode alike.
func encode(s string) codeSet {
	p, a := matchr.DoubleMetaphone(fold(s))
	codes := make(codeSet, 2)
	if p != "" {
		codes[p] = struct{}{}
	}
	if a != "" {
		codes[a] = struct{}{}
	}
	return codes
}

func (c codeSet) overlaps(o codeSet) bool {
	if len(c) > len(o) {
		c, o = o, c
	}
	for code := range c {
		if _, ok := o[code]; ok {
			return true
		}
	}
	return false
}

var foldTable = map[rune]rune{
	'á': 'a', 'à': 'a', 'ä': 'a', 'â': 'a',
	'é': 'e', 'è': 'e', 'ë': 'e', 'ê': 'e',
	'í': 'i', 'ì': 'i', 'ï': 'i', 'î': 'i',
	'ó': 'o', 'ò': 'o', 'ö': 'o', 'ô': 'o',
	'ú': 'u', 'ù': 'u', 'ü': 'u', 'û': 'u',
}

// fold maps accented vowels to ASCII and drops non-letters.
func fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if f, ok := foldTable[r]; ok {
			r = f
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
