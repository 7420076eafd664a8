package align

import "context"

// SpeakerTurn attributes an interval of audio to a speaker label.
type SpeakerTurn struct {
	Speaker string    `json:"speaker"`
	Time    TimeRange `json:"time"`
}

// Diarizer assigns speaker labels to aligned blocks.
//
// Implementations must return a slice of the same length and order as blocks
// and must not modify the input.
type Diarizer interface {
	Diarize(ctx context.Context, blocks []AnnotatedBlock) ([]AnnotatedBlock, error)
}

// NoopDiarizer returns its input unchanged. Every block keeps
// [SpeakerUnknown].
type NoopDiarizer struct{}

// Compile-time interface assertion.
var _ Diarizer = NoopDiarizer{}

// Diarize implements [Diarizer].
func (NoopDiarizer) Diarize(ctx context.Context, blocks []AnnotatedBlock) ([]AnnotatedBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// TurnDiarizer labels each timed block with the speaker whose turns overlap
// it the most. Blocks without a time range, or that overlap no turn, keep
// their current speaker.
type TurnDiarizer struct {
	Turns []SpeakerTurn
}

var _ Diarizer = TurnDiarizer{}

// Diarize implements [Diarizer].
func (d TurnDiarizer) Diarize(ctx context.Context, blocks []AnnotatedBlock) ([]AnnotatedBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]AnnotatedBlock, len(blocks))
	copy(out, blocks)
	for i := range out {
		if out[i].Time == nil {
			continue
		}
		if sp := d.dominant(*out[i].Time); sp != "" {
			out[i].Speaker = sp
		}
	}
	return out, nil
}

func (d TurnDiarizer) dominant(tr TimeRange) string {
	overlap := make(map[string]float64)
	var (
		best    string
		bestDur float64
	)
	for _, t := range d.Turns {
		o := min(tr.End, t.Time.End) - max(tr.Start, t.Time.Start)
		if o <= 0 || t.Speaker == "" {
			continue
		}
		overlap[t.Speaker] += o
		if overlap[t.Speaker] > bestDur {
			best, bestDur = t.Speaker, overlap[t.Speaker]
		}
	}
	return best
}
