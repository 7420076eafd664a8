package align

import "math"

// The useful avg_logprob range reported by Whisper-style recognisers. Values
// are clamped to it before being mapped linearly onto [0, 1].
const (
	logprobFloor = -1.2
	logprobCeil  = -0.1
)

// SegmentConfidence maps a segment's recogniser statistics onto a [0, 1]
// confidence. AvgLogprob takes precedence; NoSpeechProb is the fallback.
// ok is false when the segment carries neither value (or only NaN).
func SegmentConfidence(s Segment) (conf float64, ok bool) {
	if s.AvgLogprob != nil && !math.IsNaN(*s.AvgLogprob) {
		v := clamp(*s.AvgLogprob, logprobFloor, logprobCeil)
		return clamp((v-logprobFloor)/(logprobCeil-logprobFloor), 0, 1), true
	}
	if s.NoSpeechProb != nil && !math.IsNaN(*s.NoSpeechProb) {
		return 1 - clamp(*s.NoSpeechProb, 0, 1), true
	}
	return 0, false
}

// AverageConfidence returns the arithmetic mean of [SegmentConfidence] over
// segs, rounded to three decimals. Segments without statistics are skipped;
// ok is false when none contributed.
func AverageConfidence(segs []Segment) (avg float64, ok bool) {
	var (
		sum float64
		n   int
	)
	for _, s := range segs {
		c, has := SegmentConfidence(s)
		if !has {
			continue
		}
		sum += c
		n++
	}
	if n == 0 {
		return 0, false
	}
	return round3(sum / float64(n)), true
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
