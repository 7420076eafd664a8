package awstranscribe

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/dicttr/pkg/align"
	"github.com/MrWong99/dicttr/pkg/provider/stt"
)

// Segment boundaries: a sentence end, a pause or a maximum length.
const (
	maxSegmentSeconds = 30.0
	pauseSeconds      = 1.5
)

// result is the JSON document a Transcribe job writes to S3.
type result struct {
	Results struct {
		Transcripts []struct {
			Transcript string `json:"transcript"`
		} `json:"transcripts"`
		SpeakerLabels *speakerLabels `json:"speaker_labels,omitempty"`
		Items         []item         `json:"items"`
	} `json:"results"`
}

type speakerLabels struct {
	Segments []struct {
		StartTime    string `json:"start_time"`
		EndTime      string `json:"end_time"`
		SpeakerLabel string `json:"speaker_label"`
	} `json:"segments"`
}

// item is a word ("pronunciation") or a punctuation mark. Punctuation has no
// timestamps.
type item struct {
	StartTime    string `json:"start_time,omitempty"`
	EndTime      string `json:"end_time,omitempty"`
	Type         string `json:"type"`
	Alternatives []struct {
		Confidence string `json:"confidence"`
		Content    string `json:"content"`
	} `json:"alternatives"`
}

func decodeResult(r io.Reader) (*result, error) {
	var res result
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, fmt.Errorf("awstranscribe: decode result: %w", err)
	}
	return &res, nil
}

// segmentBuilder accumulates words into one segment.
type segmentBuilder struct {
	text       strings.Builder
	start, end float64
	logSum     float64
	words      int
}

func (b *segmentBuilder) empty() bool { return b.words == 0 }

func (b *segmentBuilder) segment() align.Segment {
	s := align.Segment{Text: b.text.String(), Start: b.start, End: b.end}
	if b.words > 0 {
		avg := b.logSum / float64(b.words)
		s.AvgLogprob = &avg
	}
	return s
}

// transcription converts the word items into segments. Each segment text
// starts with a space so that concatenating all segments yields the
// transcript. AvgLogprob is the mean natural log of the word confidences.
func (r *result) transcription() *stt.Transcription {
	var (
		segs []align.Segment
		cur  segmentBuilder
	)
	flush := func() {
		if !cur.empty() {
			segs = append(segs, cur.segment())
		}
		cur = segmentBuilder{}
	}

	for _, it := range r.Results.Items {
		if len(it.Alternatives) == 0 {
			continue
		}
		content := it.Alternatives[0].Content
		if it.Type == "punctuation" {
			if cur.empty() {
				continue
			}
			cur.text.WriteString(content)
			if isSentenceEnd(content) {
				flush()
			}
			continue
		}

		start, errS := strconv.ParseFloat(it.StartTime, 64)
		end, errE := strconv.ParseFloat(it.EndTime, 64)
		if errS != nil || errE != nil {
			continue
		}
		if !cur.empty() && (start-cur.end > pauseSeconds || end-cur.start > maxSegmentSeconds) {
			flush()
		}
		if cur.empty() {
			cur.start = start
		}
		cur.text.WriteByte(' ')
		cur.text.WriteString(content)
		cur.end = end
		cur.logSum += confidenceLog(it.Alternatives[0].Confidence)
		cur.words++
	}
	flush()

	tr := &stt.Transcription{Segments: stt.NormalizeSegments(segs)}
	if len(r.Results.Transcripts) > 0 {
		tr.Text = r.Results.Transcripts[0].Transcript
	} else {
		tr.Text = strings.TrimSpace(stt.JoinText(tr.Segments))
	}
	if n := len(tr.Segments); n > 0 {
		tr.Duration = tr.Segments[n-1].End
	}
	tr.Speakers = r.speakerTurns()
	return tr
}

func (r *result) speakerTurns() []align.SpeakerTurn {
	if r.Results.SpeakerLabels == nil {
		return nil
	}
	var turns []align.SpeakerTurn
	for _, s := range r.Results.SpeakerLabels.Segments {
		start, errS := strconv.ParseFloat(s.StartTime, 64)
		end, errE := strconv.ParseFloat(s.EndTime, 64)
		if errS != nil || errE != nil || s.SpeakerLabel == "" {
			continue
		}
		turns = append(turns, align.SpeakerTurn{
			Speaker: s.SpeakerLabel,
			Time:    align.TimeRange{Start: start, End: end},
		})
	}
	return turns
}

func isSentenceEnd(p string) bool {
	return p == "." || p == "?" || p == "!"
}

// confidenceLog maps a word confidence onto a log-probability. Missing or
// zero confidences count as the lowest useful value.
func confidenceLog(raw string) float64 {
	c, err := strconv.ParseFloat(raw, 64)
	if err != nil || c <= 0 {
		return math.Log(0.3)
	}
	return math.Log(min(c, 1))
}
