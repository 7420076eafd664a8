// Package llmcorrect implements a language-model-based transcript correction
// stage that resolves glossary terms the phonetic matcher missed.
//
// The [Corrector] sends a transcript passage to an [llm.Provider] along with
// the course glossary. The model is instructed (via a conservative system
// prompt) to fix only words that look like misheard glossary terms and to
// return a JSON object with the corrected text and an itemised list of
// substitutions. Edits the model makes without declaring them are reverted.
//
// When the LLM response cannot be parsed, the corrector returns the original
// text unchanged rather than surfacing an error.
package llmcorrect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/dicttr/pkg/provider/llm"
)

const (
	defaultTemperature = 0.1
)

// systemPromptTemplate is the base system prompt. The glossary is appended
// at call time.
const systemPromptTemplate = `You correct speech-to-text transcripts of university lectures.

Your task: fix technical terms and proper nouns that the recogniser misheard.

Rules:
- ONLY correct words that appear to be misheard versions of the glossary terms listed below.
- Do NOT change other words, grammar, punctuation, or sentence structure. Do not translate.
- Be conservative: if you are not confident a word is a misheard glossary term, leave it unchanged.
- Corrected terms must use the exact spelling from the glossary.

Glossary:
%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "corrected_text": "<full corrected transcript>",
  "corrections": [
    {"original": "<original words>", "corrected": "<glossary term>", "confidence": <0.0-1.0>}
  ]
}

If no corrections are needed, return an empty corrections array and corrected_text equal to the input.`

// Correction captures a single substitution produced by the LLM corrector.
type Correction struct {
	// Original is the text as it appeared in the input transcript.
	Original string

	// Corrected is the glossary term suggested by the LLM.
	Corrected string

	// Confidence is the LLM's reported confidence (0.0–1.0).
	Confidence float64
}

type llmResponse struct {
	CorrectedText string `json:"corrected_text"`
	Corrections   []struct {
		Original   string  `json:"original"`
		Corrected  string  `json:"corrected"`
		Confidence float64 `json:"confidence"`
	} `json:"corrections"`
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithTemperature sets the LLM sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(c *Corrector) {
		c.temperature = temp
	}
}

// Corrector uses an [llm.Provider] to correct misheard glossary terms. It is
// safe for concurrent use.
type Corrector struct {
	llm         llm.Provider
	temperature float64
}

// New returns a new [Corrector] backed by the given [llm.Provider].
func New(provider llm.Provider, opts ...Option) *Corrector {
	c := &Corrector{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct sends text to the LLM with the glossary as context. hints are
// words the caller suspects were misheard; they are listed in the user
// message.
//
// The returned text only differs from text where a declared correction was
// applied. Unparseable responses yield text unchanged with a nil error.
// Context cancellation and transport errors are returned.
func (c *Corrector) Correct(ctx context.Context, text string, glossary []string, hints []string) (string, []Correction, error) {
	if len(glossary) == 0 || strings.TrimSpace(text) == "" {
		return text, nil, nil
	}

	userMsg := "Transcript: " + text
	if len(hints) > 0 {
		userMsg += "\n\nWords that may be misheard: " + strings.Join(hints, ", ")
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(glossary),
		Temperature:  c.temperature,
		JSONMode:     true,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: userMsg},
		},
	})
	if err != nil {
		return text, nil, fmt.Errorf("llm corrector: complete: %w", err)
	}

	corrected, corrections, parseErr := parseResponse(resp.Content, text)
	if parseErr != nil {
		return text, nil, nil //nolint:nilerr // unparseable output keeps the original
	}
	if len(corrections) == 0 {
		return text, nil, nil
	}

	verified, kept := verifyCorrectedText(text, corrected, corrections)
	if len(kept) == 0 {
		return text, nil, nil
	}
	return verified, kept, nil
}

func buildSystemPrompt(glossary []string) string {
	var sb strings.Builder
	for _, e := range glossary {
		sb.WriteString("- ")
		sb.WriteString(e)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(systemPromptTemplate, sb.String())
}

// parseResponse unmarshals the LLM output after stripping markdown fences.
func parseResponse(content, originalText string) (string, []Correction, error) {
	var r llmResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return "", nil, fmt.Errorf("llm corrector: parse response: %w", err)
	}

	if r.CorrectedText == "" {
		return originalText, nil, nil
	}

	corrections := make([]Correction, 0, len(r.Corrections))
	for _, c := range r.Corrections {
		if c.Original == c.Corrected || c.Original == "" {
			continue
		}
		corrections = append(corrections, Correction{
			Original:   c.Original,
			Corrected:  c.Corrected,
			Confidence: c.Confidence,
		})
	}
	return r.CorrectedText, corrections, nil
}

// stripMarkdown removes optional ```json fences around the output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
