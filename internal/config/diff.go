package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider, storage
// and listener changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AlignChanged is true if any aligner tunable changed.
	AlignChanged bool

	// StructureChanged is true if any structuring tunable changed.
	StructureChanged bool

	// GlossaryChanged is true if the glossary terms or thresholds changed.
	GlossaryChanged bool

	// RestartRequired lists the top-level sections whose changes are
	// ignored until the process restarts.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable setting changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AlignChanged || d.StructureChanged || d.GlossaryChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.AlignChanged = old.Align != new.Align
	d.StructureChanged = old.Structure != new.Structure
	d.GlossaryChanged = !old.Glossary.equal(new.Glossary)

	if !sameServer(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameGroup(old.Providers.LLM, new.Providers.LLM) || !sameGroup(old.Providers.STT, new.Providers.STT) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

// sameServer compares everything but the log level.
func sameServer(a, b ServerConfig) bool {
	a.LogLevel, b.LogLevel = "", ""
	aTLS, bTLS := a.TLS, b.TLS
	a.TLS, b.TLS = nil, nil
	if a != b {
		return false
	}
	if (aTLS == nil) != (bTLS == nil) {
		return false
	}
	return aTLS == nil || *aTLS == *bTLS
}

// sameGroup compares provider chains, ignoring the free-form Options maps.
func sameGroup(a, b ProviderGroup) bool {
	ea, eb := a.Entries(), b.Entries()
	if len(ea) != len(eb) {
		return false
	}
	for i := range ea {
		if !sameEntry(ea[i], eb[i]) {
			return false
		}
	}
	return true
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.Timeout == b.Timeout
}
