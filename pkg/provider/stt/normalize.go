package stt

import (
	"cmp"
	"math"
	"slices"

	"github.com/MrWong99/dicttr/pkg/align"
)

// MinSegmentDuration is the shortest duration a segment may report. Backends
// occasionally emit zero-length segments for very short words.
const MinSegmentDuration = 0.1

// NormalizeSegments returns a copy of segs that satisfies the segment
// contract the aligner relies on:
//
//   - ordered by non-decreasing Start (stable for equal starts),
//   - End >= Start + [MinSegmentDuration],
//   - no negative or NaN timestamps,
//   - NaN recogniser statistics removed.
//
// Segment text is kept byte for byte, including surrounding whitespace, so
// that the concatenation still matches the transcript.
func NormalizeSegments(segs []align.Segment) []align.Segment {
	if len(segs) == 0 {
		return nil
	}
	out := make([]align.Segment, len(segs))
	copy(out, segs)

	for i := range out {
		s := &out[i]
		if math.IsNaN(s.Start) || s.Start < 0 {
			s.Start = 0
		}
		if math.IsNaN(s.End) || s.End < s.Start+MinSegmentDuration {
			s.End = s.Start + MinSegmentDuration
		}
		s.AvgLogprob = finiteOrNil(s.AvgLogprob)
		s.NoSpeechProb = finiteOrNil(s.NoSpeechProb)
	}
	slices.SortStableFunc(out, func(a, b align.Segment) int {
		return cmp.Compare(a.Start, b.Start)
	})
	return out
}

// JoinText concatenates segment texts without a separator, the reference
// text the aligner searches in.
func JoinText(segs []align.Segment) string {
	n := 0
	for _, s := range segs {
		n += len(s.Text)
	}
	buf := make([]byte, 0, n)
	for _, s := range segs {
		buf = append(buf, s.Text...)
	}
	return string(buf)
}

func finiteOrNil(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	c := *v
	return &c
}
