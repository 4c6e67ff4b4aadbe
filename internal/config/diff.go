package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; transport
// endpoints and capture negotiation require a restart.
type ConfigDiff struct {
	VADChanged      bool
	NewVAD          VADConfig
	LogLevelChanged bool
	NewLogLevel     LogLevel
	ContextChanged  bool
	NewContext      ContextConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	if old.Context != new.Context {
		d.ContextChanged = true
		d.NewContext = new.Context
	}

	return d
}
