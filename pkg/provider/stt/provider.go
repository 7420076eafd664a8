// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider turns a recorded lecture into a [Transcription]: the full text
// plus ordered, time-stamped [align.Segment] values that the aligner later
// uses to re-establish timing for restructured blocks. Backends are batch
// oriented; a whole recording is uploaded and transcribed in one request.
//
// Implementations must be safe for concurrent use and must return segments
// that satisfy the contract enforced by [NormalizeSegments].
package stt

import (
	"context"
	"errors"
	"io"

	"github.com/MrWong99/dicttr/pkg/align"
)

// ErrEmptyAudio is returned when a request carries no audio.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Request describes one transcription job.
type Request struct {
	// Audio is the encoded recording (wav, mp3, m4a, webm, ...). It is read
	// once; providers do not close it.
	Audio io.Reader

	// Filename is forwarded to the backend, which often sniffs the container
	// format from its extension. Defaults to "audio.wav".
	Filename string

	// ContentType is the MIME type of Audio. Optional.
	ContentType string

	// Language is an ISO-639-1 hint ("es", "en"). Empty lets the backend
	// detect the language.
	Language string

	// Prompt biases recognition towards domain vocabulary, e.g. the course
	// name or technical terms.
	Prompt string
}

// Transcription is the result of a transcription job.
type Transcription struct {
	Text     string          `json:"text"`
	Language string          `json:"language,omitempty"`
	Duration float64         `json:"duration,omitempty"`
	Segments []align.Segment `json:"segments"`

	// Speakers holds speaker turns when the backend performs diarization.
	Speakers []align.SpeakerTurn `json:"speakers,omitempty"`
}

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe uploads req.Audio and waits for the transcription. It
	// returns an error when the backend is unreachable, rejects the request
	// or ctx is cancelled.
	Transcribe(ctx context.Context, req Request) (*Transcription, error)
}

// FilenameOrDefault returns req.Filename or "audio.wav".
func (r Request) FilenameOrDefault() string {
	if r.Filename == "" {
		return "audio.wav"
	}
	return r.Filename
}
