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

// ValidProviderNames lists the backend names shipped with the client. Used by
// [Validate] to warn about likely typos; unknown names are not an error so
// that externally registered backends keep working.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields whose zero value would be unusable.
func applyDefaults(cfg *Config) {
	if cfg.Audio.Gain == 0 {
		cfg.Audio.Gain = 1.0
	}
	if cfg.VAD.Sensitivity == "" {
		cfg.VAD.Sensitivity = "medium"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.Gain < 0 {
		errs = append(errs, fmt.Errorf("audio.gain %.2f must not be negative", cfg.Audio.Gain))
	}

	if !cfg.VAD.Sensitivity.IsValid() {
		errs = append(errs, fmt.Errorf("vad.sensitivity %q is invalid; valid values: low, medium, high", cfg.VAD.Sensitivity))
	}

	if cfg.Live.Provider == "" {
		errs = append(errs, errors.New("live.provider is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Live.Provider) {
		slog.Warn("unknown backend name, may be a typo or an externally registered backend",
			"provider", cfg.Live.Provider,
			"known", ValidProviderNames,
		)
	}

	if cfg.Live.Provider != "" && cfg.Live.APIKey == "" {
		slog.Warn("live.api_key is empty; connecting will likely fail", "provider", cfg.Live.Provider)
	}

	if cfg.Visualizer.Buckets < 0 {
		errs = append(errs, fmt.Errorf("visualizer.buckets %d must not be negative", cfg.Visualizer.Buckets))
	}

	return errors.Join(errs...)
}
