// Package llm defines the Provider interface for Large Language Model
// backends.
//
// Dicttr uses an LLM for one job: restructuring a raw lecture transcript into
// headings, paragraphs and lists. Providers therefore expose a single
// request/response completion call, optionally constrained to JSON output,
// plus token estimation so callers can split long transcripts before they
// overflow the model's context window.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled.
package llm

import (
	"context"
	"unicode/utf8"
)

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation; the last one is usually the
	// user's.
	Messages []Message

	// SystemPrompt is sent as a leading system message when non-empty.
	SystemPrompt string

	// Temperature in [0, 2]. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the provider default.
	MaxTokens int

	// JSONMode asks the backend to emit a single JSON object. Backends
	// without native support fall back to an explicit instruction.
	JSONMode bool
}

// CompletionResponse is the result of [Provider.Complete].
type CompletionResponse struct {
	Content string

	// FinishReason is "stop", "length" or a backend specific value.
	FinishReason string

	Usage Usage
}

// Truncated reports whether the model stopped because it hit MaxTokens.
func (r *CompletionResponse) Truncated() bool {
	return r != nil && r.FinishReason == "length"
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many context tokens messages consume. It
	// may approximate but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the configured model.
	Capabilities() ModelCapabilities
}

// jsonInstruction is appended to the system prompt by backends that cannot
// enforce JSON output natively.
const jsonInstruction = "Respond with a single valid JSON object and nothing else."

// WithJSONInstruction returns system with the JSON-only instruction appended.
func WithJSONInstruction(system string) string {
	if system == "" {
		return jsonInstruction
	}
	return system + "\n\n" + jsonInstruction
}

// EstimateTokens is the character based approximation shared by backends
// without a tokenizer: roughly three characters per token (Spanish and
// other Romance languages tokenise worse than English) plus a small
// per-message overhead for role and formatting tokens.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (utf8.RuneCountInString(m.Content) + 2) / 3
		total += 4
	}
	return total
}
