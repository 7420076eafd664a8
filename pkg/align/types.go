package align

import "strings"

// SpeakerUnknown is the speaker label assigned to every block until a real
// diarization stage exists.
const SpeakerUnknown = "unknown"

// TagReviewTiming marks a block whose time range or confidence is uncertain
// and should be checked by a human editor.
const TagReviewTiming = "revisar_timing"

// BlockType distinguishes the structural role of a [Block].
type BlockType string

const (
	BlockHeading1     BlockType = "heading_1"
	BlockHeading2     BlockType = "heading_2"
	BlockHeading3     BlockType = "heading_3"
	BlockParagraph    BlockType = "paragraph"
	BlockBulletedList BlockType = "bulleted_list"
	BlockNumberedList BlockType = "numbered_list"
	BlockQuote        BlockType = "quote"
)

// IsValid reports whether t is a recognised block type.
func (t BlockType) IsValid() bool {
	switch t {
	case BlockHeading1, BlockHeading2, BlockHeading3, BlockParagraph,
		BlockBulletedList, BlockNumberedList, BlockQuote:
		return true
	}
	return false
}

// IsList reports whether blocks of this type carry Items instead of Text.
func (t BlockType) IsList() bool {
	return t == BlockBulletedList || t == BlockNumberedList
}

// HeadingLevel returns 1–3 for heading types and 0 otherwise.
func (t BlockType) HeadingLevel() int {
	switch t {
	case BlockHeading1:
		return 1
	case BlockHeading2:
		return 2
	case BlockHeading3:
		return 3
	}
	return 0
}

// Segment is a contiguous, time-stamped span of recognised speech as produced
// by a speech-to-text backend. Timestamps are in seconds.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// AvgLogprob is the average token log-probability. Nil when the backend
	// does not report it.
	AvgLogprob *float64 `json:"avg_logprob,omitempty"`

	// NoSpeechProb is the probability that the segment contains no speech.
	// Only consulted when AvgLogprob is nil.
	NoSpeechProb *float64 `json:"no_speech_prob,omitempty"`
}

// Block is a unit of restructured document content. Blocks carry no timing
// information until they pass through an [Aligner].
type Block struct {
	ID    string    `json:"id"`
	Type  BlockType `json:"type"`
	Text  string    `json:"text,omitempty"`
	Items []string  `json:"items,omitempty"`
	Tags  []string  `json:"tags,omitempty"`
}

// Flatten returns the searchable text of the block: Items joined by newlines
// when Items is non-empty, Text otherwise.
func (b Block) Flatten() string {
	if len(b.Items) > 0 {
		return strings.Join(b.Items, "\n")
	}
	return b.Text
}

// TimeRange is a closed interval of audio time in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start.
func (r TimeRange) Duration() float64 { return r.End - r.Start }

// AnnotatedBlock is a [Block] enriched with the results of alignment.
type AnnotatedBlock struct {
	Block

	// Speaker is [SpeakerUnknown] unless a [Diarizer] attributed the block.
	Speaker string `json:"speaker"`

	// Time is nil when no time range could be determined.
	Time *TimeRange `json:"time,omitempty"`

	// Confidence is nil when no informative confidence could be computed.
	Confidence *float64 `json:"confidence,omitempty"`
}

// NeedsReview reports whether the block carries [TagReviewTiming].
func (a AnnotatedBlock) NeedsReview() bool {
	return hasTag(a.Tags, TagReviewTiming)
}

// Float returns a pointer to v. Handy for building segments in code.
func Float(v float64) *float64 { return &v }

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// appendTag appends tag unless it is already present.
func appendTag(tags []string, tag string) []string {
	if hasTag(tags, tag) {
		return tags
	}
	return append(tags, tag)
}
