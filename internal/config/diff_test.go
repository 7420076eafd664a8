package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/dicttr/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, config.Default())
	if d.Changed() {
		t.Errorf("expected no hot-reloadable changes, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart sections, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone must not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_Sections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		mutate      func(c *config.Config)
		align       bool
		structure   bool
		glossary    bool
		restartWant []string
	}{
		{
			name:   "align threshold",
			mutate: func(c *config.Config) { c.Align.ReviewThreshold = 0.7 },
			align:  true,
		},
		{
			name:      "structure concurrency",
			mutate:    func(c *config.Config) { c.Structure.Concurrency = 8 },
			structure: true,
		},
		{
			name:     "glossary terms",
			mutate:   func(c *config.Config) { c.Glossary.Terms = []string{"Docker"} },
			glossary: true,
		},
		{
			name:     "glossary llm stage",
			mutate:   func(c *config.Config) { c.Glossary.LLM = true },
			glossary: true,
		},
		{
			name:        "listen addr",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			restartWant: []string{"server"},
		},
		{
			name:        "tls added",
			mutate:      func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} },
			restartWant: []string{"server"},
		},
		{
			name: "llm model",
			mutate: func(c *config.Config) {
				c.Providers.LLM.Name = "deepseek"
				c.Providers.LLM.Timeout = time.Minute
			},
			restartWant: []string{"providers"},
		},
		{
			name: "stt fallback",
			mutate: func(c *config.Config) {
				c.Providers.STT.Fallbacks = []config.ProviderEntry{{Name: "whisper"}}
			},
			restartWant: []string{"providers"},
		},
		{
			name: "storage and telemetry",
			mutate: func(c *config.Config) {
				c.Storage.Driver = config.StoragePostgres
				c.Telemetry.SampleRatio = 0.5
			},
			restartWant: []string{"storage", "telemetry"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tt.mutate(new)

			d := config.Diff(old, new)
			if d.AlignChanged != tt.align {
				t.Errorf("AlignChanged: got %v, want %v", d.AlignChanged, tt.align)
			}
			if d.StructureChanged != tt.structure {
				t.Errorf("StructureChanged: got %v, want %v", d.StructureChanged, tt.structure)
			}
			if d.GlossaryChanged != tt.glossary {
				t.Errorf("GlossaryChanged: got %v, want %v", d.GlossaryChanged, tt.glossary)
			}
			if !slices.Equal(d.RestartRequired, tt.restartWant) {
				t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, tt.restartWant)
			}
		})
	}
}

func TestDiff_ProviderOptionsIgnored(t *testing.T) {
	t.Parallel()
	old := config.Default()
	old.Providers.STT.Name = "groq"
	old.Providers.STT.Options = map[string]any{"language": "es"}
	new := config.Default()
	new.Providers.STT.Name = "groq"
	new.Providers.STT.Options = map[string]any{"language": "en"}

	if d := config.Diff(old, new); len(d.RestartRequired) != 0 {
		t.Errorf("options changes are not tracked, got %v", d.RestartRequired)
	}
}
