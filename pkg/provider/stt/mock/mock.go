// Package mock provides a test double for [stt.Provider].
//
//	p := &mock.Provider{Result: &stt.Transcription{Segments: segs}}
//	tr, _ := p.Transcribe(ctx, stt.Request{Audio: r})
//	p.Calls[0].Audio // bytes read from r
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/dicttr/pkg/provider/stt"
)

// TranscribeCall records one invocation of Provider.Transcribe.
type TranscribeCall struct {
	Request stt.Request
	// Audio holds everything read from Request.Audio.
	Audio []byte
}

// Provider is a mock implementation of [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe. When nil an empty Transcription is
	// returned.
	Result *stt.Transcription

	// Err, if non-nil, is returned instead of Result.
	Err error

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe drains req.Audio, records the call and returns Result or Err.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcription, error) {
	var audio []byte
	if req.Audio != nil {
		audio, _ = io.ReadAll(req.Audio)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranscribeCall{Request: req, Audio: audio})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Result == nil {
		return &stt.Transcription{}, nil
	}
	cp := *p.Result
	cp.Segments = append(cp.Segments[:0:0], p.Result.Segments...)
	cp.Speakers = append(cp.Speakers[:0:0], p.Result.Speakers...)
	return &cp, nil
}

// CallCount returns the number of recorded calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
