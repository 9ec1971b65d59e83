package config_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/echolith/internal/config"
	"github.com/MrWong99/echolith/pkg/live"
	"github.com/MrWong99/echolith/pkg/live/mock"
)

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	want := &mock.Provider{}
	var gotCfg config.LiveConfig
	reg.Register("mock", func(cfg config.LiveConfig) (live.Provider, error) {
		gotCfg = cfg
		return want, nil
	})

	p, err := reg.Create(config.LiveConfig{Provider: "mock", APIKey: "key-123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != want {
		t.Error("Create returned a different provider than the factory built")
	}
	if gotCfg.APIKey != "key-123" {
		t.Errorf("factory received api_key %q, want %q", gotCfg.APIKey, "key-123")
	}
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.Create(config.LiveConfig{Provider: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	first := &mock.Provider{}
	second := &mock.Provider{}
	reg.Register("mock", func(config.LiveConfig) (live.Provider, error) { return first, nil })
	reg.Register("mock", func(config.LiveConfig) (live.Provider, error) { return second, nil })

	p, err := reg.Create(config.LiveConfig{Provider: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != second {
		t.Error("expected the later registration to win")
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.Register("a", func(config.LiveConfig) (live.Provider, error) { return &mock.Provider{}, nil })
	reg.Register("b", func(config.LiveConfig) (live.Provider, error) { return &mock.Provider{}, nil })

	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d: %v", len(names), names)
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("expected names a and b, got %v", names)
	}
}
