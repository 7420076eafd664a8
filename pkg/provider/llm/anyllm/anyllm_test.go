package anyllm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/dicttr/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()
	for _, role := range []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
		got := convertMessage(llm.Message{Role: role, Content: "hola"})
		if got.Role != role {
			t.Errorf("convertMessage(%q).Role = %q", role, got.Role)
		}
		if got.ContentString() != "hola" {
			t.Errorf("convertMessage(%q).Content = %q, want %q", role, got.ContentString(), "hola")
		}
	}
}

func TestBuildParams_JSONModeAppendsInstruction(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "deepseek-chat"}

	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Structure the transcript.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "texto"}},
		Temperature:  0.3,
		MaxTokens:    256,
		JSONMode:     true,
	})

	if params.Model != "deepseek-chat" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(params.Messages))
	}
	sys := params.Messages[0]
	if sys.Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", sys.Role)
	}
	if !strings.HasPrefix(sys.ContentString(), "Structure the transcript.") || !strings.Contains(sys.ContentString(), "JSON") {
		t.Errorf("system prompt = %q, want original prompt plus JSON instruction", sys.ContentString())
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", params.MaxTokens)
	}
}

func TestBuildParams_Plain(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1 (no system message)", len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero temperature and max tokens should stay unset")
	}
}

func TestBuildParams_JSONModeWithoutSystemPrompt(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
		JSONMode: true,
	})
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("Messages = %+v, want leading system instruction", params.Messages)
	}
}

func TestComplete_OpenAICompatibleBackend(t *testing.T) {
	t.Parallel()
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"blocks\":[]}"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	t.Cleanup(srv.Close)

	p, err := NewOpenAI("gpt-4o-mini", anyllmlib.WithAPIKey("sk-test"), anyllmlib.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hola"}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"blocks":[]}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", gotBody["model"])
	}
}

func TestComplete_Empty(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o"}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty request")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model   string
		wantCtx int
		wantOut int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"deepseek-chat", 64_000, 8_192},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"Claude-Sonnet-4", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"mistral-large-latest", 32_000, 4_096},
		{"qwen2.5:14b", 32_768, 4_096},
		{"unknown", 128_000, 4_096},
	}
	for _, tt := range tests {
		got := modelCapabilities(tt.model)
		if got.ContextWindow != tt.wantCtx || got.MaxOutputTokens != tt.wantOut {
			t.Errorf("modelCapabilities(%q) = %+v, want ctx=%d out=%d", tt.model, got, tt.wantCtx, tt.wantOut)
		}
		if got.SupportsJSONMode {
			t.Errorf("modelCapabilities(%q).SupportsJSONMode = true, want false", tt.model)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewOpenAI", func() (*Provider, error) { return NewOpenAI("gpt-4o", anyllmlib.WithAPIKey("sk-test")) }},
		{"NewDeepSeek", func() (*Provider, error) { return NewDeepSeek("deepseek-chat", anyllmlib.WithAPIKey("sk-test")) }},
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3") }},
		{"NewLlamaCpp", func() (*Provider, error) { return NewLlamaCpp("llama3") }},
		{"NewLlamaFile", func() (*Provider, error) { return NewLlamaFile("llama3") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if p == nil {
				t.Fatalf("%s: expected non-nil provider", tt.name)
			}
		})
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o"}
	n, err := p.CountTokens(nil)
	if err != nil || n != 0 {
		t.Errorf("CountTokens(nil) = %d, %v; want 0, nil", n, err)
	}
	one, _ := p.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "Hello"}})
	two, _ := p.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "Hello"}, {Role: llm.RoleAssistant, Content: "Hi there"}})
	if two <= one {
		t.Errorf("CountTokens grew from %d to %d, want strictly more", one, two)
	}
}
