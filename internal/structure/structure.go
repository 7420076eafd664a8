// Package structure turns a raw lecture transcript into document blocks
// (headings, paragraphs, lists, quotes) with the help of an LLM.
//
// Long transcripts are split at sentence boundaries into chunks that fit the
// model's context window and structured concurrently. Block IDs are
// renumbered b1..bn in document order afterwards. When the model's answer for
// a chunk cannot be parsed, that chunk degrades to plain paragraphs so the
// pipeline can still align and publish the document; [Result.Fallback]
// reports it. Transport errors and cancellation are returned.
package structure

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dicttr/internal/observe"
	"github.com/MrWong99/dicttr/pkg/align"
	"github.com/MrWong99/dicttr/pkg/provider/llm"
)

const (
	defaultMaxChunkChars = 12_000
	defaultConcurrency   = 4
	defaultTemperature   = 0.2
	fallbackParagraph    = 600
)

// SystemPrompt is the default instruction sent with every chunk.
const SystemPrompt = `You turn raw lecture transcripts into well structured study notes.

Rules:
- Keep the speaker's wording. Fix only obvious transcription noise (repeated words, filler words).
- Do NOT summarise, translate, or add content that was not said.
- Group related sentences into paragraphs. Add short headings where the topic changes.
- Use lists only when the speaker enumerates items.
- Write in the language of the transcript.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "blocks": [
    {"id": "b1", "type": "heading_1|heading_2|heading_3|paragraph|bulleted_list|numbered_list|quote", "text": "<text>", "items": ["<item>"]}
  ]
}

List blocks use "items" and omit "text". All other blocks use "text" and omit "items".`

// Result is the output of [Structurer.Structure].
type Result struct {
	Blocks []align.Block

	// Chunks is the number of transcript chunks sent to the model.
	Chunks int

	// Fallback is true when at least one chunk was structured without the
	// model because its answer could not be parsed.
	Fallback bool

	// Usage accumulates token usage over all chunks.
	Usage llm.Usage
}

// Option is a functional option for configuring a [Structurer].
type Option func(*Structurer)

// WithMaxChunkChars caps the number of characters per chunk. Default: 12000.
func WithMaxChunkChars(n int) Option {
	return func(s *Structurer) {
		if n > 0 {
			s.maxChunkChars = n
		}
	}
}

// WithConcurrency limits how many chunks are in flight at once. Default: 4.
func WithConcurrency(n int) Option {
	return func(s *Structurer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithTemperature sets the LLM sampling temperature. Default: 0.2.
func WithTemperature(t float64) Option {
	return func(s *Structurer) {
		s.temperature = t
	}
}

// WithMaxTokens caps the completion length per chunk. Zero uses the model's
// MaxOutputTokens.
func WithMaxTokens(n int) Option {
	return func(s *Structurer) {
		s.maxTokens = n
	}
}

// WithSystemPrompt replaces [SystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(s *Structurer) {
		if p != "" {
			s.systemPrompt = p
		}
	}
}

// WithLanguage adds a language hint (e.g. "es") to every request.
func WithLanguage(lang string) Option {
	return func(s *Structurer) {
		s.language = lang
	}
}

// WithMetrics counts fallback chunks on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Structurer) {
		s.metrics = m
	}
}

// Structurer uses an [llm.Provider] to structure transcripts. It is safe for
// concurrent use.
type Structurer struct {
	llm           llm.Provider
	maxChunkChars int
	concurrency   int
	temperature   float64
	maxTokens     int
	systemPrompt  string
	language      string
	metrics       *observe.Metrics
}

// New returns a new [Structurer] backed by the given [llm.Provider].
func New(provider llm.Provider, opts ...Option) *Structurer {
	s := &Structurer{
		llm:           provider,
		maxChunkChars: defaultMaxChunkChars,
		concurrency:   defaultConcurrency,
		temperature:   defaultTemperature,
		systemPrompt:  SystemPrompt,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Structure splits transcript into chunks, asks the model to structure each
// one and returns the blocks in transcript order. An empty transcript yields
// an empty result without calling the model.
func (s *Structurer) Structure(ctx context.Context, transcript string) (*Result, error) {
	chunks, err := s.plan(Chunk(transcript, s.maxChunkChars))
	if err != nil {
		return nil, err
	}
	res := &Result{Chunks: len(chunks)}
	if len(chunks) == 0 {
		return res, nil
	}

	parts := make([][]align.Block, len(chunks))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			blocks, usage, fellBack, err := s.structureChunk(gctx, i, len(chunks), chunk)
			if err != nil {
				return fmt.Errorf("structure: chunk %d/%d: %w", i+1, len(chunks), err)
			}
			parts[i] = blocks
			mu.Lock()
			res.Usage.PromptTokens += usage.PromptTokens
			res.Usage.CompletionTokens += usage.CompletionTokens
			res.Usage.TotalTokens += usage.TotalTokens
			res.Fallback = res.Fallback || fellBack
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, p := range parts {
		res.Blocks = append(res.Blocks, p...)
	}
	renumber(res.Blocks)
	return res, nil
}

// plan halves chunks until each fits the model's input budget.
func (s *Structurer) plan(chunks []string) ([]string, error) {
	budget := s.llm.Capabilities().InputBudget()
	if budget <= 0 {
		return chunks, nil
	}
	var out []string
	for len(chunks) > 0 {
		c := chunks[0]
		chunks = chunks[1:]
		n, err := s.llm.CountTokens(s.messages(c, 0, 1))
		if err != nil {
			return nil, fmt.Errorf("structure: count tokens: %w", err)
		}
		if n > budget {
			if a, b, ok := halve(c); ok {
				chunks = append([]string{a, b}, chunks...)
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Structurer) messages(chunk string, idx, total int) []llm.Message {
	var sb strings.Builder
	if total > 1 {
		fmt.Fprintf(&sb, "Part %d of %d of the lecture.\n", idx+1, total)
	}
	if s.language != "" {
		fmt.Fprintf(&sb, "Language: %s\n", s.language)
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("Transcript:\n")
	sb.WriteString(chunk)
	return []llm.Message{{Role: llm.RoleUser, Content: sb.String()}}
}

func (s *Structurer) structureChunk(ctx context.Context, idx, total int, chunk string) ([]align.Block, llm.Usage, bool, error) {
	req := llm.CompletionRequest{
		SystemPrompt: s.systemPrompt,
		Messages:     s.messages(chunk, idx, total),
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
		JSONMode:     true,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = s.llm.Capabilities().MaxOutputTokens
	}

	resp, err := s.llm.Complete(ctx, req)
	if err != nil {
		return nil, llm.Usage{}, false, err
	}
	if resp == nil {
		return nil, llm.Usage{}, false, errors.New("empty response")
	}

	blocks, parseErr := parseResponse(resp.Content)
	if parseErr == nil && len(blocks) == 0 {
		parseErr = errors.New("no blocks")
	}
	if parseErr != nil {
		observe.Logger(ctx).Warn("structure: falling back to plain paragraphs",
			"chunk", idx+1,
			"chunks", total,
			"truncated", resp.Truncated(),
			"err", parseErr,
		)
		if s.metrics != nil {
			s.metrics.StructureFallbacks.Add(ctx, 1)
		}
		return fallbackBlocks(chunk, fallbackParagraph), resp.Usage, true, nil
	}
	return blocks, resp.Usage, false, nil
}

// renumber assigns IDs b1..bn in order.
func renumber(blocks []align.Block) {
	for i := range blocks {
		blocks[i].ID = "b" + strconv.Itoa(i+1)
	}
}
