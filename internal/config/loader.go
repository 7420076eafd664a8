package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "deepseek", "anthropic", "ollama", "gemini", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "groq", "whisper", "awstranscribe"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadMB < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_mb %d must not be negative", cfg.Server.MaxUploadMB))
	}
	if cfg.Server.MaxJSONMB < 0 {
		errs = append(errs, fmt.Errorf("server.max_json_mb %d must not be negative", cfg.Server.MaxJSONMB))
	}
	if cfg.Server.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("server.max_concurrent_jobs %d must be at least 1", cfg.Server.MaxConcurrentJobs))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	errs = append(errs, validateGroup("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateGroup("stt", cfg.Providers.STT)...)
	if cfg.Providers.LLM.Name == "" || cfg.Providers.STT.Name == "" {
		slog.Warn("providers.llm or providers.stt is not configured; only alignment of existing transcripts will be available")
	}

	// Align
	a := cfg.Align
	if a.Finder != "" && !a.Finder.IsValid() {
		errs = append(errs, fmt.Errorf("align.finder %q is invalid; valid values: exact, headtail, fuzzy", a.Finder))
	}
	if a.MinAnchorChars < 0 || a.AnchorChars < 0 {
		errs = append(errs, errors.New("align.min_anchor_chars and align.anchor_chars must not be negative"))
	}
	if a.MaxDistanceRatio < 0 || a.MaxDistanceRatio >= 1 {
		errs = append(errs, fmt.Errorf("align.max_distance_ratio %.2f is out of range [0, 1)", a.MaxDistanceRatio))
	}
	if a.ReviewThreshold < 0 || a.ReviewThreshold > 1 {
		errs = append(errs, fmt.Errorf("align.review_threshold %.2f is out of range [0, 1]", a.ReviewThreshold))
	}
	if a.ConfidenceFloor < 0 || a.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("align.confidence_floor %.2f is out of range [0, 1]", a.ConfidenceFloor))
	}
	if a.LongBlockChars < 0 {
		errs = append(errs, fmt.Errorf("align.long_block_chars %d must not be negative", a.LongBlockChars))
	}

	// Structure
	s := cfg.Structure
	if s.MaxChunkChars < 0 {
		errs = append(errs, fmt.Errorf("structure.max_chunk_chars %d must not be negative", s.MaxChunkChars))
	}
	if s.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("structure.concurrency %d must not be negative", s.Concurrency))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("structure.temperature %.2f is out of range [0, 2]", s.Temperature))
	}
	if s.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("structure.max_tokens %d must not be negative", s.MaxTokens))
	}

	// Glossary
	gl := cfg.Glossary
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"phonetic_threshold", gl.PhoneticThreshold},
		{"fuzzy_threshold", gl.FuzzyThreshold},
		{"llm_threshold", gl.LLMThreshold},
	} {
		if th.v < 0 || th.v > 1 {
			errs = append(errs, fmt.Errorf("glossary.%s %.2f is out of range [0, 1]", th.name, th.v))
		}
	}
	if gl.MinRunes < 1 {
		errs = append(errs, fmt.Errorf("glossary.min_runes %d must be at least 1", gl.MinRunes))
	}
	if gl.LLM && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("glossary.llm requires providers.llm"))
	}

	// Storage
	if cfg.Storage.Driver != "" && !cfg.Storage.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: memory, postgres", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.driver is postgres"))
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateGroup checks a provider chain. Fallbacks are only meaningful after
// a primary and every entry needs a name.
func validateGroup(kind string, g ProviderGroup) []error {
	var errs []error
	if g.Name == "" && len(g.Fallbacks) > 0 {
		errs = append(errs, fmt.Errorf("providers.%s.fallbacks requires providers.%s.name", kind, kind))
	}
	validateProviderName(kind, g.Name)

	seen := map[string]int{}
	if g.Name != "" {
		seen[g.Label()] = -1
		errs = append(errs, validateOptions(fmt.Sprintf("providers.%s", kind), g.ProviderEntry)...)
	}
	for i, fb := range g.Fallbacks {
		prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(kind, fb.Name)
		errs = append(errs, validateOptions(prefix, fb)...)
		if _, dup := seen[fb.Label()]; dup {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate entry", prefix, fb.Label()))
		}
		seen[fb.Label()] = i
	}
	return errs
}

// validateOptions checks the provider-specific options that have no default.
func validateOptions(prefix string, e ProviderEntry) []error {
	if e.Name != "awstranscribe" {
		return nil
	}
	if b, _ := e.Options["bucket"].(string); b == "" {
		return []error{fmt.Errorf("%s.options.bucket is required for awstranscribe", prefix)}
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
