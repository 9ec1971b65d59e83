package config

// ConfigDiff describes what changed between two configs. Only fields that can be
// safely hot-reloaded mid-session are tracked; everything else requires a
// restart.
type ConfigDiff struct {
	GainChanged        bool
	NewGain            float64
	MutedChanged       bool
	NewMuted           bool
	SensitivityChanged bool
	NewSensitivity     string
	LogLevelChanged    bool
	NewLogLevel        LogLevel

	// RestartRequired is set when a non-reloadable field (backend, device,
	// listen address) changed.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Audio.Gain != new.Audio.Gain {
		d.GainChanged = true
		d.NewGain = new.Audio.Gain
	}
	if old.Audio.Muted != new.Audio.Muted {
		d.MutedChanged = true
		d.NewMuted = new.Audio.Muted
	}
	if old.VAD.Sensitivity != new.VAD.Sensitivity {
		d.SensitivityChanged = true
		d.NewSensitivity = string(new.VAD.Sensitivity)
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Live != new.Live ||
		old.Audio.InputDevice != new.Audio.InputDevice ||
		old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Visualizer != new.Visualizer {
		d.RestartRequired = true
	}

	return d
}
