// Package document defines the persisted form of a processed lecture and the
// [Store] interface its backends implement.
//
// A [Document] keeps the aligned blocks together with the transcript
// segments they were aligned against, so edited blocks can be re-aligned
// later without transcribing the audio again. Updates use optimistic
// concurrency: every write bumps Version and callers pass the version they
// last read.
//
// Every implementation must be safe for concurrent use.
package document

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/MrWong99/dicttr/internal/transcript"
	"github.com/MrWong99/dicttr/pkg/align"
)

// ErrNotFound is returned when no document has the requested ID.
var ErrNotFound = errors.New("document: not found")

// ErrExists is returned by [Store.Create] when the ID is already taken.
var ErrExists = errors.New("document: already exists")

// ErrVersionConflict is returned by [Store.UpdateBlocks] when the stored
// version differs from the expected one.
var ErrVersionConflict = errors.New("document: version conflict")

// Meta describes a document.
type Meta struct {
	Title    string `json:"title"`
	Language string `json:"language,omitempty"`

	// Duration of the source audio in seconds.
	Duration float64 `json:"duration,omitempty"`

	// Source is the original file name of the audio.
	Source string `json:"source,omitempty"`

	// Stats is recomputed from the blocks on every write.
	Stats align.Stats `json:"stats"`

	// StructureFallback is true when part of the transcript could not be
	// structured by the LLM and was stored as plain paragraphs.
	StructureFallback bool `json:"structure_fallback,omitempty"`

	// Speakers are the diarization turns reported by the recogniser. They
	// are reapplied when edited blocks are re-aligned.
	Speakers []align.SpeakerTurn `json:"speakers,omitempty"`

	// Corrections lists the glossary substitutions applied to the
	// transcript before structuring.
	Corrections []transcript.Correction `json:"corrections,omitempty"`
}

// Document is a processed lecture.
type Document struct {
	ID        string                 `json:"doc_id"`
	Meta      Meta                   `json:"meta"`
	Blocks    []align.AnnotatedBlock `json:"blocks"`
	Segments  []align.Segment        `json:"segments,omitempty"`
	Version   int                    `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Summary is the list view of a document.
type Summary struct {
	ID          string    `json:"doc_id"`
	Title       string    `json:"title"`
	Language    string    `json:"language,omitempty"`
	Duration    float64   `json:"duration,omitempty"`
	Blocks      int       `json:"blocks"`
	NeedsReview int       `json:"needs_review"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summarize returns the list view of d.
func (d *Document) Summarize() Summary {
	return Summary{
		ID:          d.ID,
		Title:       d.Meta.Title,
		Language:    d.Meta.Language,
		Duration:    d.Meta.Duration,
		Blocks:      d.Meta.Stats.Blocks,
		NeedsReview: d.Meta.Stats.NeedsReview,
		Version:     d.Version,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Meta.Stats.MeanConfidence = clonePtr(d.Meta.Stats.MeanConfidence)
	c.Meta.Speakers = slices.Clone(d.Meta.Speakers)
	c.Meta.Corrections = slices.Clone(d.Meta.Corrections)
	c.Blocks = CloneBlocks(d.Blocks)
	c.Segments = make([]align.Segment, len(d.Segments))
	for i, s := range d.Segments {
		s.AvgLogprob = clonePtr(s.AvgLogprob)
		s.NoSpeechProb = clonePtr(s.NoSpeechProb)
		c.Segments[i] = s
	}
	if d.Segments == nil {
		c.Segments = nil
	}
	return &c
}

// CloneBlocks deep-copies blocks.
func CloneBlocks(blocks []align.AnnotatedBlock) []align.AnnotatedBlock {
	if blocks == nil {
		return nil
	}
	out := make([]align.AnnotatedBlock, len(blocks))
	for i, b := range blocks {
		b.Items = slices.Clone(b.Items)
		b.Tags = slices.Clone(b.Tags)
		b.Confidence = clonePtr(b.Confidence)
		b.Time = clonePtr(b.Time)
		out[i] = b
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ListOptions pages through [Store.List]. Documents are returned newest
// first.
type ListOptions struct {
	// Limit caps the number of results. Zero applies DefaultListLimit.
	Limit  int
	Offset int
}

// DefaultListLimit is the page size used when ListOptions.Limit is zero.
const DefaultListLimit = 50

// Store persists documents.
type Store interface {
	// Create stores doc. An empty ID is replaced by a new UUID. Version is
	// set to 1, timestamps to now and Meta.Stats is recomputed. doc is
	// updated in place on success only. Returns ErrExists when the ID is
	// taken.
	Create(ctx context.Context, doc *Document) error

	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// List returns summaries, newest first.
	List(ctx context.Context, opts ListOptions) ([]Summary, error)

	// UpdateBlocks replaces the blocks of a document when its version equals
	// expectedVersion and returns the updated document. Returns ErrNotFound
	// or ErrVersionConflict.
	UpdateBlocks(ctx context.Context, id string, expectedVersion int, blocks []align.AnnotatedBlock) (*Document, error)

	// Delete removes a document. Returns ErrNotFound when it does not exist.
	Delete(ctx context.Context, id string) error
}

// limit resolves the effective page size.
func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}
