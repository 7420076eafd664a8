package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/dicttr/internal/app"
	"github.com/MrWong99/dicttr/internal/config"
	"github.com/MrWong99/dicttr/internal/observe"
	"github.com/MrWong99/dicttr/internal/resilience"
	"github.com/MrWong99/dicttr/pkg/provider/llm"
	"github.com/MrWong99/dicttr/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/dicttr/pkg/provider/llm/openai"
	"github.com/MrWong99/dicttr/pkg/provider/stt"
	"github.com/MrWong99/dicttr/pkg/provider/stt/awstranscribe"
	oaistt "github.com/MrWong99/dicttr/pkg/provider/stt/openai"
	"github.com/MrWong99/dicttr/pkg/provider/stt/whisper"
)

// builtinProviders maps provider category names to the implementations that
// ship with Dicttr. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "deepseek", "anthropic", "ollama", "gemini", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "groq", "whisper", "awstranscribe"},
}

// tracedClient returns an HTTP client whose requests become spans of the
// calling pipeline stage.
func tracedClient(entry config.ProviderEntry) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   entry.Timeout,
	}
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai and deepseek speak the chat completions API natively and get
	// the instrumented client.
	for _, providerName := range []string{"openai", "deepseek"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			opts := []oaillm.Option{oaillm.WithHTTPClient(tracedClient(entry))}
			switch {
			case entry.BaseURL != "":
				opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
			case providerName == "deepseek":
				opts = append(opts, oaillm.WithBaseURL(oaillm.DeepSeekBaseURL))
			}
			if entry.Timeout > 0 {
				opts = append(opts, oaillm.WithTimeout(entry.Timeout))
			}
			if org := optString(entry.Options, "organization"); org != "" {
				opts = append(opts, oaillm.WithOrganization(org))
			}
			if n, ok := optInt(entry.Options, "max_retries"); ok {
				opts = append(opts, oaillm.WithMaxRetries(n))
			}
			return oaillm.New(entry.APIKey, entry.Model, opts...)
		})
	}

	// The remaining backends go through any-llm and share the same pattern:
	// optional APIKey + optional BaseURL. ollama, llamacpp and llamafile are
	// local servers that only need the address.
	for _, providerName := range []string{"anthropic", "gemini", "mistral", "groq", "ollama", "llamacpp", "llamafile"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	for _, providerName := range []string{"openai", "groq"} {
		reg.RegisterSTT(providerName, func(entry config.ProviderEntry) (stt.Provider, error) {
			opts := []oaistt.Option{oaistt.WithHTTPClient(tracedClient(entry))}
			switch {
			case entry.BaseURL != "":
				opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
			case providerName == "groq":
				opts = append(opts, oaistt.WithBaseURL(oaistt.GroqBaseURL))
			}
			if entry.Timeout > 0 {
				opts = append(opts, oaistt.WithTimeout(entry.Timeout))
			}
			if lang := optString(entry.Options, "language"); lang != "" {
				opts = append(opts, oaistt.WithLanguage(lang))
			}
			if n, ok := optInt(entry.Options, "max_retries"); ok {
				opts = append(opts, oaistt.WithMaxRetries(n))
			}
			return oaistt.New(entry.APIKey, entry.Model, opts...)
		})
	}

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{whisper.WithHTTPClient(tracedClient(entry))}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// awstranscribe uses the default AWS credential chain; the bucket stages
	// uploads and job results.
	reg.RegisterSTT("awstranscribe", func(entry config.ProviderEntry) (stt.Provider, error) {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
		}
		if region := optString(entry.Options, "region"); region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(region))
		}
		if profile := optString(entry.Options, "profile"); profile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}

		var opts []awstranscribe.Option
		if prefix := optString(entry.Options, "prefix"); prefix != "" {
			opts = append(opts, awstranscribe.WithPrefix(prefix))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, awstranscribe.WithLanguage(lang))
		}
		if n, ok := optInt(entry.Options, "max_speakers"); ok {
			opts = append(opts, awstranscribe.WithMaxSpeakers(n))
		}
		if keep, ok := entry.Options["keep_artifacts"].(bool); ok {
			opts = append(opts, awstranscribe.WithKeepArtifacts(keep))
		}
		return awstranscribe.NewFromConfig(awsCfg, optString(entry.Options, "bucket"), opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the provider chains named in cfg using the
// registry. Every chain is wrapped in a fallback group, so even a single
// provider gets a circuit breaker and request metrics.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	if entries := cfg.Providers.LLM.Entries(); len(entries) > 0 {
		var group *resilience.LLMFallback
		for _, entry := range entries {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				if group != nil && errors.Is(err, config.ErrProviderNotRegistered) {
					slog.Warn("skipping unknown fallback provider", "kind", "llm", "name", entry.Name)
					continue
				}
				return nil, fmt.Errorf("create llm provider %q: %w", entry.Label(), err)
			}
			if group == nil {
				group = resilience.NewLLMFallback(p, entry.Label(), resilience.FallbackConfig{Kind: "llm", Metrics: m})
			} else {
				group.AddFallback(entry.Label(), p)
			}
			slog.Info("provider created", "kind", "llm", "name", entry.Label())
		}
		ps.LLM = group
	}

	if entries := cfg.Providers.STT.Entries(); len(entries) > 0 {
		var group *resilience.STTFallback
		for _, entry := range entries {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				if group != nil && errors.Is(err, config.ErrProviderNotRegistered) {
					slog.Warn("skipping unknown fallback provider", "kind", "stt", "name", entry.Name)
					continue
				}
				return nil, fmt.Errorf("create stt provider %q: %w", entry.Label(), err)
			}
			if group == nil {
				group = resilience.NewSTTFallback(p, entry.Label(), resilience.FallbackConfig{Kind: "stt", Metrics: m})
			} else {
				group.AddFallback(entry.Label(), p)
			}
			slog.Info("provider created", "kind", "stt", "name", entry.Label())
		}
		ps.STT = group
	}

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int; JSON
// style floats are accepted when they have no fraction.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}
