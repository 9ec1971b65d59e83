// Package config provides the configuration schema, loader, file watcher and
// provider registry for the echolith voice client.
package config

import "github.com/MrWong99/echolith/pkg/vad"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Live       LiveConfig       `yaml:"live"`
	Visualizer VisualizerConfig `yaml:"visualizer"`
}

// ServerConfig holds settings for the local diagnostics HTTP server and
// logging.
type ServerConfig struct {
	// ListenAddr is the TCP address the metrics/health server listens on
	// (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig holds capture-side settings.
type AudioConfig struct {
	// InputDevice names the capture device. Empty selects the system
	// default.
	InputDevice string `yaml:"input_device"`

	// Gain is the input gain multiplier. 0 means silence; 1.0 is unity.
	Gain float64 `yaml:"gain"`

	// Muted starts the client with the microphone muted.
	Muted bool `yaml:"muted"`
}

// VADConfig holds speech detection settings.
type VADConfig struct {
	// Sensitivity selects the detection tier: low, medium or high.
	Sensitivity vad.Sensitivity `yaml:"sensitivity"`
}

// LiveConfig selects and configures the conversational backend. The Provider
// field is used to look up the constructor in the [Registry].
type LiveConfig struct {
	// Provider selects the registered backend (e.g., "gemini-live",
	// "openai-realtime").
	Provider string `yaml:"provider"`

	// APIKey is the authentication key for the backend.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint. Leave empty to use
	// the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend.
	Model string `yaml:"model"`

	// Voice selects the synthesis voice.
	Voice string `yaml:"voice"`

	// Instructions is the system instruction for the session.
	Instructions string `yaml:"instructions"`
}

// VisualizerConfig holds waveform display settings.
type VisualizerConfig struct {
	// Enabled switches the terminal meter on.
	Enabled bool `yaml:"enabled"`

	// Buckets is the number of spectrum bars. 0 uses the default.
	Buckets int `yaml:"buckets"`
}
