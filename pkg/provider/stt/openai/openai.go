// Package openai provides an STT provider for OpenAI-compatible Whisper
// transcription endpoints: OpenAI itself and Groq (base URL
// https://api.groq.com/openai/v1, models whisper-large-v3 and
// whisper-large-v3-turbo).
//
// The provider always requests the verbose_json response format so that
// per-segment timestamps, avg_logprob and no_speech_prob are available to
// the aligner.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/dicttr/pkg/align"
	"github.com/MrWong99/dicttr/pkg/provider/stt"
)

// GroqBaseURL is the OpenAI-compatible endpoint of Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

var _ stt.Provider = (*Provider)(nil)

// Provider implements [stt.Provider] on top of the OpenAI SDK.
type Provider struct {
	client      oai.Client
	model       string
	language    string
	temperature float64
}

type config struct {
	baseURL     string
	timeout     time.Duration
	maxRetries  int
	language    string
	temperature float64
	httpClient  *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL, e.g. [GroqBaseURL].
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets the HTTP client timeout. Long lectures take a while;
// the default is 10 minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the SDK retries failed requests. Default 2.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithLanguage sets the default language hint used when a request has none.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTemperature sets the sampling temperature. Default 0.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// WithHTTPClient replaces the HTTP client. [WithTimeout] is ignored when set.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

// New constructs a Provider. apiKey and model must not be empty.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai stt: model must not be empty")
	}

	cfg := &config{timeout: 10 * time.Minute, maxRetries: 2}
	for _, o := range opts {
		o(cfg)
	}

	client := cfg.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
		option.WithHTTPClient(client),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		language:    cfg.language,
		temperature: cfg.temperature,
	}, nil
}

// verboseTranscription mirrors the verbose_json response body. The SDK's
// Transcription type only carries the text, so the body is decoded here.
type verboseTranscription struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
}

type verboseSegment struct {
	Text         string   `json:"text"`
	Start        float64  `json:"start"`
	End          float64  `json:"end"`
	AvgLogprob   *float64 `json:"avg_logprob"`
	NoSpeechProb *float64 `json:"no_speech_prob"`
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcription, error) {
	if req.Audio == nil {
		return nil, fmt.Errorf("openai stt: %w", stt.ErrEmptyAudio)
	}

	params := oai.AudioTranscriptionNewParams{
		File:                   oai.File(req.Audio, req.FilenameOrDefault(), req.ContentType),
		Model:                  oai.AudioModel(p.model),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"segment"},
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if req.Prompt != "" {
		params.Prompt = oai.String(req.Prompt)
	}
	if p.temperature != 0 {
		params.Temperature = oai.Float(p.temperature)
	}

	var body verboseTranscription
	if _, err := p.client.Audio.Transcriptions.New(ctx, params, option.WithResponseBodyInto(&body)); err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return body.toTranscription(), nil
}

func (v verboseTranscription) toTranscription() *stt.Transcription {
	segs := make([]align.Segment, 0, len(v.Segments))
	for _, s := range v.Segments {
		segs = append(segs, align.Segment{
			Text:         s.Text,
			Start:        s.Start,
			End:          s.End,
			AvgLogprob:   s.AvgLogprob,
			NoSpeechProb: s.NoSpeechProb,
		})
	}
	return &stt.Transcription{
		Text:     v.Text,
		Language: v.Language,
		Duration: v.Duration,
		Segments: stt.NormalizeSegments(segs),
	}
}
