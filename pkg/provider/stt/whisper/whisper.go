// Package whisper provides an STT provider backed by a local whisper.cpp
// server.
//
// The provider uploads a recording to the server's POST /inference endpoint
// and asks for the verbose_json response format, which carries per-segment
// timestamps and, on recent server builds, avg_logprob and no_speech_prob.
//
// Raw PCM input is accepted when the request content type is audio/L16
// (RFC 2586), e.g. "audio/L16; rate=16000; channels=1"; it is wrapped in a
// WAV container before upload.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("es"))
//	tr, err := p.Transcribe(ctx, stt.Request{Audio: f, Filename: "clase.wav"})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/dicttr/pkg/align"
	"github.com/MrWong99/dicttr/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for audio/L16 input.
	bitsPerSample = 16

	defaultLanguage   = "auto"
	defaultSampleRate = 16000
	defaultTimeout    = 10 * time.Minute
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server. When empty
// the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language hint. Defaults to "auto".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTemperature sets the decoding temperature. Default 0.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = t }
}

// WithHTTPClient replaces the HTTP client. The default has a 10 minute
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements [stt.Provider] against a whisper.cpp HTTP server.
type Provider struct {
	serverURL   string
	model       string
	language    string
	temperature float64
	httpClient  *http.Client
}

// New creates a Provider for the whisper.cpp server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcription, error) {
	if req.Audio == nil {
		return nil, fmt.Errorf("whisper: %w", stt.ErrEmptyAudio)
	}

	audio, filename, err := prepareAudio(req)
	if err != nil {
		return nil, err
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        lang,
		"temperature":     strconv.FormatFloat(p.temperature, 'f', -1, 64),
	}
	if req.Prompt != "" {
		fields["prompt"] = req.Prompt
	}
	if p.model != "" {
		fields["model"] = p.model
	}

	// Stream the multipart body so that long recordings are not buffered
	// twice in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, audio, filename, fields))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.toTranscription(), nil
}

func writeForm(mw *multipart.Writer, audio io.Reader, filename string, fields map[string]string) error {
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return fmt.Errorf("whisper: write audio: %w", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	return mw.Close()
}

// inferenceResponse is the verbose_json body of /inference.
type inferenceResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Text         string   `json:"text"`
		Start        float64  `json:"start"`
		End          float64  `json:"end"`
		AvgLogprob   *float64 `json:"avg_logprob"`
		NoSpeechProb *float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

func (r inferenceResponse) toTranscription() *stt.Transcription {
	segs := make([]align.Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		segs = append(segs, align.Segment{
			Text:         s.Text,
			Start:        s.Start,
			End:          s.End,
			AvgLogprob:   s.AvgLogprob,
			NoSpeechProb: s.NoSpeechProb,
		})
	}
	// Servers started without verbose output only return text.
	if len(segs) == 0 && strings.TrimSpace(r.Text) != "" {
		segs = append(segs, align.Segment{Text: r.Text, Start: 0, End: r.Duration})
	}
	return &stt.Transcription{
		Text:     r.Text,
		Language: r.Language,
		Duration: r.Duration,
		Segments: stt.NormalizeSegments(segs),
	}
}

// prepareAudio wraps audio/L16 input in a WAV container and passes every
// other format through untouched.
func prepareAudio(req stt.Request) (io.Reader, string, error) {
	if req.ContentType == "" {
		return req.Audio, req.FilenameOrDefault(), nil
	}
	mt, params, err := mime.ParseMediaType(req.ContentType)
	if err != nil || !strings.EqualFold(mt, "audio/L16") {
		return req.Audio, req.FilenameOrDefault(), nil
	}

	rate := atoiOr(params["rate"], defaultSampleRate)
	channels := atoiOr(params["channels"], 1)
	pcm, err := io.ReadAll(req.Audio)
	if err != nil {
		return nil, "", fmt.Errorf("whisper: read pcm: %w", err)
	}
	if len(pcm) == 0 {
		return nil, "", fmt.Errorf("whisper: %w", stt.ErrEmptyAudio)
	}
	// audio/L16 is big-endian on the wire; WAV wants little-endian.
	for i := 0; i+1 < len(pcm); i += 2 {
		pcm[i], pcm[i+1] = pcm[i+1], pcm[i]
	}
	name := strings.TrimSuffix(req.FilenameOrDefault(), ".pcm")
	if !strings.HasSuffix(name, ".wav") {
		name += ".wav"
	}
	return bytes.NewReader(encodeWAV(pcm, rate, channels)), name, nil
}

func atoiOr(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}

// encodeWAV wraps 16-bit signed little-endian PCM in a RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
