package resilience

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/MrWong99/dicttr/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
//
// A failed upload consumes the request's audio reader, so STTFallback reads
// the recording into memory once and hands every attempt a fresh reader.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Group exposes the underlying [FallbackGroup] for health reporting.
func (f *STTFallback) Group() *FallbackGroup[stt.Provider] { return f.group }

// Transcribe sends the recording to the first healthy provider. If the
// primary fails, subsequent fallbacks are tried with the same audio.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcription, error) {
	if req.Audio == nil {
		return nil, stt.ErrEmptyAudio
	}
	if len(f.group.entries) == 1 {
		return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (*stt.Transcription, error) {
			return p.Transcribe(ctx, req)
		})
	}

	audio, err := io.ReadAll(req.Audio)
	if err != nil {
		return nil, fmt.Errorf("stt fallback: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (*stt.Transcription, error) {
		attempt := req
		attempt.Audio = bytes.NewReader(audio)
		return p.Transcribe(ctx, attempt)
	})
}
