package align

import (
	"cmp"
	"slices"
)

// Stats summarises the outcome of an alignment run.
type Stats struct {
	Blocks      int `json:"blocks"`
	Timed       int `json:"timed"`
	NeedsReview int `json:"needs_review"`

	// MeanConfidence averages the published confidence values. Nil when no
	// block carries one.
	MeanConfidence *float64 `json:"mean_confidence,omitempty"`

	// Coverage is the total duration covered by timed blocks in seconds.
	// Overlapping ranges are counted once.
	Coverage float64 `json:"coverage"`
}

// Summarize computes [Stats] over blocks.
func Summarize(blocks []AnnotatedBlock) Stats {
	var (
		st     = Stats{Blocks: len(blocks)}
		sum    float64
		n      int
		ranges []TimeRange
	)
	for _, b := range blocks {
		if b.NeedsReview() {
			st.NeedsReview++
		}
		if b.Time != nil {
			st.Timed++
			ranges = append(ranges, *b.Time)
		}
		if b.Confidence != nil {
			sum += *b.Confidence
			n++
		}
	}
	if n > 0 {
		m := round3(sum / float64(n))
		st.MeanConfidence = &m
	}
	st.Coverage = round3(coverage(ranges))
	return st
}

// coverage returns the length of the union of ranges.
func coverage(ranges []TimeRange) float64 {
	if len(ranges) == 0 {
		return 0
	}
	sorted := make([]TimeRange, len(ranges))
	copy(sorted, ranges)
	slices.SortFunc(sorted, func(a, b TimeRange) int {
		return cmp.Compare(a.Start, b.Start)
	})

	var total float64
	cur := sorted[0]
	for _, r := range sorted[1:] {
		if r.Start <= cur.End {
			cur.End = max(cur.End, r.End)
			continue
		}
		total += cur.Duration()
		cur = r
	}
	return total + cur.Duration()
}
