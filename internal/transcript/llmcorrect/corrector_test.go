package llmcorrect_test

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/dicttr/internal/transcript/llmcorrect"
	"github.com/MrWong99/dicttr/pkg/provider/llm"
	"github.com/MrWong99/dicttr/pkg/provider/llm/mock"
)

func response(content string) *mock.Provider {
	return &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

func TestCorrector_SendsGlossaryAndText(t *testing.T) {
	t.Parallel()

	provider := response(`{"corrected_text": "Hoy vemos Kubernetes.", "corrections": []}`)
	c := llmcorrect.New(provider)

	glossary := []string{"Kubernetes", "Redes Neuronales"}
	_, _, err := c.Correct(context.Background(), "Hoy vemos cuber netes.", glossary, nil)
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 Complete call, got %d", len(calls))
	}
	req := calls[0].Req
	for _, term := range glossary {
		if !strings.Contains(req.SystemPrompt, term) {
			t.Errorf("system prompt missing term %q\nprompt:\n%s", term, req.SystemPrompt)
		}
	}
	if !req.JSONMode {
		t.Error("expected JSONMode request")
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("messages: got %+v", req.Messages)
	}
	if !strings.Contains(req.Messages[0].Content, "cuber netes") {
		t.Errorf("user message missing original text, got: %s", req.Messages[0].Content)
	}
}

func TestCorrector_ParsesJSONCorrections(t *testing.T) {
	t.Parallel()

	provider := response(`{
  "corrected_text": "Kubernetes orquesta contenedores Docker.",
  "corrections": [
    {"original": "cuber netes", "corrected": "Kubernetes", "confidence": 0.9}
  ]
}`)
	c := llmcorrect.New(provider)

	correctedText, corrections, err := c.Correct(
		context.Background(),
		"cuber netes orquesta contenedores Docker.",
		[]string{"Kubernetes", "Docker"},
		[]string{"cuber", "netes"},
	)
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}

	if want := "Kubernetes orquesta contenedores Docker."; correctedText != want {
		t.Errorf("correctedText=%q, want %q", correctedText, want)
	}
	if len(corrections) != 1 {
		t.Fatalf("got %d corrections, want 1", len(corrections))
	}
	got := corrections[0]
	if got.Original != "cuber netes" || got.Corrected != "Kubernetes" || got.Confidence != 0.9 {
		t.Errorf("correction: got %+v", got)
	}
}

func TestCorrector_UndeclaredEditsReverted(t *testing.T) {
	t.Parallel()

	// The model fixes the term but also "improves" a word it was not asked to.
	provider := response(`{
  "corrected_text": "Kubernetes escala bastante mejor.",
  "corrections": [
    {"original": "kubernetis", "corrected": "Kubernetes", "confidence": 0.8}
  ]
}`)
	c := llmcorrect.New(provider)

	text, corrections, err := c.Correct(context.Background(),
		"kubernetis escala muy bien.", []string{"Kubernetes"}, nil)
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	if want := "Kubernetes escala muy bien."; text != want {
		t.Errorf("text=%q, want %q", text, want)
	}
	if len(corrections) != 1 {
		t.Errorf("got %d corrections, want 1", len(corrections))
	}
}

func TestCorrector_FallbackOnUnparseable(t *testing.T) {
	t.Parallel()

	provider := response("No puedo corregir esta transcripción.")
	c := llmcorrect.New(provider)

	originalText := "cuber netes y dokcer."
	correctedText, corrections, err := c.Correct(
		context.Background(), originalText, []string{"Kubernetes", "Docker"}, nil)
	if err != nil {
		t.Fatalf("Correct returned error on unparseable response: %v", err)
	}
	if correctedText != originalText {
		t.Errorf("correctedText=%q, want original %q", correctedText, originalText)
	}
	if corrections != nil {
		t.Errorf("corrections=%v, want nil on fallback", corrections)
	}
}

func TestCorrector_MarkdownStripping(t *testing.T) {
	t.Parallel()

	provider := response("```json\n" + `{"corrected_text": "Usamos Python.", "corrections": [{"original": "piton", "corrected": "Python", "confidence": 0.85}]}` + "\n```")
	c := llmcorrect.New(provider)

	correctedText, _, err := c.Correct(context.Background(), "Usamos piton.", []string{"Python"}, nil)
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	if correctedText != "Usamos Python." {
		t.Errorf("correctedText=%q, want %q", correctedText, "Usamos Python.")
	}
}

func TestCorrector_EmptyGlossary(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	c := llmcorrect.New(provider)

	text := "algo de texto"
	correctedText, corrections, err := c.Correct(context.Background(), text, nil, nil)
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	if correctedText != text {
		t.Errorf("correctedText=%q, want original %q", correctedText, text)
	}
	if len(corrections) != 0 {
		t.Errorf("expected no corrections, got %d", len(corrections))
	}
	if n := len(provider.Calls()); n != 0 {
		t.Errorf("expected 0 LLM calls for an empty glossary, got %d", n)
	}
}

func TestCorrector_LLMError(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{CompleteErr: context.DeadlineExceeded}
	c := llmcorrect.New(provider)

	_, _, err := c.Correct(context.Background(), "texto", []string{"Kubernetes"}, nil)
	if err == nil {
		t.Fatal("expected error from LLM failure, got nil")
	}
}

func TestCorrector_WithTemperature(t *testing.T) {
	t.Parallel()

	provider := response(`{"corrected_text": "hola", "corrections": []}`)
	c := llmcorrect.New(provider, llmcorrect.WithTemperature(0.5))

	if _, _, err := c.Correct(context.Background(), "hola", []string{"Kubernetes"}, nil); err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	calls := provider.Calls()
	if len(calls) == 0 {
		t.Fatal("no Complete calls recorded")
	}
	if calls[0].Req.Temperature != 0.5 {
		t.Errorf("Temperature=%f, want 0.5", calls[0].Req.Temperature)
	}
}

func TestCorrector_HintsInUserMessage(t *testing.T) {
	t.Parallel()

	provider := response(`{"corrected_text": "Docker arranca.", "corrections": []}`)
	c := llmcorrect.New(provider)

	hints := []string{"dokcer"}
	if _, _, err := c.Correct(context.Background(), "dokcer arranca.", []string{"Docker"}, hints); err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	userMsg := provider.Calls()[0].Req.Messages[0].Content
	for _, h := range hints {
		if !strings.Contains(userMsg, h) {
			t.Errorf("user message missing hint %q; got:\n%s", h, userMsg)
		}
	}
}
