// Package transcript corrects course vocabulary in speech-to-text output
// before it is structured.
//
// Recognisers routinely mangle technical terms and proper nouns ("cuber
// netes", "pitorch", "Dijstra"). Given a glossary of the course's terms, the
// [CorrectionPipeline] fixes them in two optional stages:
//
//  1. Phonetic matching ([TermMatcher]): in-process, no network calls. Every
//     segment is scanned word by word and windows that sound like a term are
//     replaced by its canonical spelling.
//
//  2. LLM-assisted correction: segments whose recogniser confidence is low
//     are sent to a language model together with the glossary. Only edits
//     the model declares as corrections are kept.
//
// Corrections never change segment timing, so the corrected segments remain
// valid input for alignment. Each [Correction] records where it was applied
// and which stage produced it, so callers can audit or roll back changes.
//
// Implementations of both interfaces must be safe for concurrent use.
package transcript

import (
	"context"

	"github.com/MrWong99/dicttr/pkg/align"
)

// Method values of [Correction].
const (
	MethodPhonetic = "phonetic"
	MethodLLM      = "llm"
)

// Correction captures a single substitution made by the pipeline.
type Correction struct {
	// Segment is the index of the corrected segment.
	Segment int `json:"segment"`

	// Original is the text as produced by the STT provider.
	Original string `json:"original"`

	// Corrected is the glossary spelling that replaced it.
	Corrected string `json:"corrected"`

	// Confidence is the stage's confidence in this substitution (0.0–1.0).
	Confidence float64 `json:"confidence"`

	// Method is [MethodPhonetic] or [MethodLLM].
	Method string `json:"method"`
}

// Result is the output of [Corrector.Correct].
type Result struct {
	// Segments has the same length, order and timing as the input; only
	// Text may differ.
	Segments []align.Segment

	// Corrections lists every substitution ordered by segment. Empty when
	// nothing changed.
	Corrections []Correction
}

// Corrector fixes glossary terms in transcript segments.
type Corrector interface {
	// Correct returns corrected copies of segments. The input is not
	// modified. With an empty glossary the segments are returned unchanged.
	Correct(ctx context.Context, segments []align.Segment, glossary []string) (*Result, error)
}

// TermMatcher resolves a phrase to a glossary term by pronunciation or
// spelling similarity. It runs in-process and must be fast: it is called
// for every word window of the transcript.
type TermMatcher interface {
	// Match returns the term from terms that best matches phrase.
	// When matched is false, corrected equals phrase and confidence is 0.
	Match(phrase string, terms []string) (corrected string, confidence float64, matched bool)
}
