// Command echolith is a terminal voice client for live conversational AI
// backends.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echolith/internal/config"
	"github.com/MrWong99/echolith/internal/controller"
	"github.com/MrWong99/echolith/internal/health"
	"github.com/MrWong99/echolith/internal/observe"
	"github.com/MrWong99/echolith/internal/session"
	"github.com/MrWong99/echolith/internal/transcript"
	"github.com/MrWong99/echolith/internal/visualizer"
	"github.com/MrWong99/echolith/pkg/audio"
	paudio "github.com/MrWong99/echolith/pkg/audio/portaudio"
	"github.com/MrWong99/echolith/pkg/capture"
	"github.com/MrWong99/echolith/pkg/live"
	"github.com/MrWong99/echolith/pkg/live/gemini"
	"github.com/MrWong99/echolith/pkg/live/openai"
	"github.com/MrWong99/echolith/pkg/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	transcriptPath := flag.String("transcript", "", "append the conversation transcript to this JSONL file")
	listDevices := flag.Bool("list-devices", false, "list available capture devices and exit")
	flag.Parse()

	if *listDevices {
		return runListDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echolith: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echolith: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("echolith starting",
		"config", *configPath,
		"provider", cfg.Live.Provider,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "echolith"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Audio subsystem ───────────────────────────────────────────────────────
	if err := paudio.Init(); err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := paudio.Terminate(); err != nil {
			slog.Warn("audio terminate error", "err", err)
		}
	}()

	// ── Live backend ──────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.Create(cfg.Live)
	if err != nil {
		slog.Error("failed to create live backend", "provider", cfg.Live.Provider, "err", err)
		return 1
	}

	caps := provider.Capabilities()
	outRate := caps.OutputSampleRate
	if outRate <= 0 {
		outRate = audio.PlaybackRate
	}
	out, err := paudio.NewOutput(outRate, paudio.WithOutputLogger(logger))
	if err != nil {
		slog.Error("failed to open playback device", "err", err)
		return 1
	}
	defer out.Close()

	// ── Visualizer ────────────────────────────────────────────────────────────
	var vis *visualizer.Loop
	if cfg.Visualizer.Enabled {
		vis = visualizer.New(visualizer.NewTermRenderer(os.Stdout), visualizer.WithLogger(logger))
		defer vis.Stop()
	}

	// ── Transcript log ────────────────────────────────────────────────────────
	var tlogOpts []transcript.Option
	if *transcriptPath != "" {
		tlogOpts = append(tlogOpts, transcript.WithFile(*transcriptPath))
	}
	tlog := transcript.NewLog(tlogOpts...)

	// ── Controller ────────────────────────────────────────────────────────────
	var sup *session.Reconnector

	ctrl, err := controller.New(controller.Config{
		Provider:     provider,
		ProviderName: cfg.Live.Provider,
		Session: live.SessionConfig{
			Voice:        cfg.Live.Voice,
			Instructions: cfg.Live.Instructions,
			Tools:        builtinToolDefinitions(),
		},
		Sources: func(device string) (capture.Source, error) {
			src, err := paudio.NewSource(device, paudio.WithSourceLogger(logger))
			if err != nil {
				return nil, err
			}
			return src, nil
		},
		Output:          out,
		Tools:           runBuiltinTool,
		Visualizer:      vis,
		AnalyzerBuckets: cfg.Visualizer.Buckets,
		Callbacks: controller.Callbacks{
			OnState: func(s controller.State, err error) {
				if err != nil {
					slog.Error("state changed", "state", s.String(), "err", err)
				} else {
					slog.Info("state changed", "state", s.String())
				}
				if s == controller.StateError && sup != nil {
					sup.NotifyDisconnect()
				}
			},
			OnTurn: func(e controller.Entry) {
				printTurn(e)
				if err := tlog.Append(transcriptSpeaker(e.Speaker), e.Text); err != nil {
					slog.Warn("transcript append failed", "err", err)
				}
			},
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		slog.Error("failed to create controller", "err", err)
		return 1
	}

	ctrl.SetDevice(cfg.Audio.InputDevice)
	ctrl.SetGain(cfg.Audio.Gain)
	ctrl.SetMuted(cfg.Audio.Muted)
	if err := ctrl.SetSensitivity(cfg.VAD.Sensitivity); err != nil {
		slog.Error("invalid sensitivity", "err", err)
		return 1
	}

	// ── Session supervisor ────────────────────────────────────────────────────
	sup, err = session.NewReconnector(session.ReconnectorConfig{
		Client: ctrl,
		Logger: logger,
	})
	if err != nil {
		slog.Error("failed to create session supervisor", "err", err)
		return 1
	}
	sup.Monitor(ctx)
	defer sup.Stop()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(ctrl, levelVar, old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Diagnostics server ────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		mux.Handle("GET /transcript", tlog.Handler())
		health.New(
			health.Checker{Name: "session", Check: func(context.Context) error {
				if s := ctrl.State(); s == controller.StateError {
					return errors.New("session in error state")
				}
				return nil
			}},
			health.Checker{Name: "audio", Check: func(context.Context) error {
				_, err := paudio.ListInputDevices()
				return err
			}},
		).Register(mux)

		server := &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: observe.Middleware(metrics)(mux),
		}
		g.Go(func() error {
			slog.Info("diagnostics server listening", "addr", cfg.Server.ListenAddr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(sctx)
		})
	}

	// ── Start the session ─────────────────────────────────────────────────────
	printStartupSummary(cfg, caps)

	if err := ctrl.Start(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		stop()
		_ = g.Wait()
		return 1
	}

	slog.Info("session live — press Ctrl+C to quit")
	<-ctx.Done()

	ctrl.Stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinProviders wires the live backend factories that ship with
// echolith into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("gemini-live", func(lc config.LiveConfig) (live.Provider, error) {
		var opts []gemini.Option
		if lc.Model != "" {
			opts = append(opts, gemini.WithModel(lc.Model))
		}
		if lc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(lc.BaseURL))
		}
		return gemini.New(lc.APIKey, opts...), nil
	})

	reg.Register("openai-realtime", func(lc config.LiveConfig) (live.Provider, error) {
		var opts []openai.Option
		if lc.Model != "" {
			opts = append(opts, openai.WithModel(lc.Model))
		}
		if lc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(lc.BaseURL))
		}
		return openai.New(lc.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered backend", "name", name)
	}
}

// ── Hot reload ────────────────────────────────────────────────────────────────

// applyConfigChange pushes hot-reloadable settings from a config file change
// into the running controller.
func applyConfigChange(ctrl *controller.Controller, levelVar *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.GainChanged {
		ctrl.SetGain(d.NewGain)
		slog.Info("gain updated", "gain", d.NewGain)
	}
	if d.MutedChanged {
		ctrl.SetMuted(d.NewMuted)
		slog.Info("mute updated", "muted", d.NewMuted)
	}
	if d.SensitivityChanged {
		if err := ctrl.SetSensitivity(vad.Sensitivity(d.NewSensitivity)); err != nil {
			slog.Warn("sensitivity update rejected", "err", err)
		} else {
			slog.Info("sensitivity updated", "sensitivity", d.NewSensitivity)
		}
	}
	if d.LogLevelChanged {
		levelVar.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		slog.Warn("config change affects backend or device settings — restart to apply")
	}
}

// ── Built-in tools ────────────────────────────────────────────────────────────

// builtinToolDefinitions declares the functions the model may call.
func builtinToolDefinitions() []live.ToolDefinition {
	return []live.ToolDefinition{
		{
			Name:        "current_time",
			Description: "Returns the current local date and time.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

// runBuiltinTool executes a model-requested tool call.
func runBuiltinTool(name, _ string) (string, error) {
	switch name {
	case "current_time":
		out, err := json.Marshal(map[string]string{
			"time": time.Now().Format(time.RFC3339),
		})
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

// ── Output ────────────────────────────────────────────────────────────────────

// printTurn writes one flushed transcript entry to stdout.
func printTurn(e controller.Entry) {
	label := "you"
	if e.Speaker == controller.SpeakerModel {
		label = "model"
	}
	fmt.Printf("\n[%s] %s\n", label, e.Text)
}

// transcriptSpeaker maps a controller speaker to its transcript log label.
func transcriptSpeaker(s controller.Speaker) string {
	if s == controller.SpeakerModel {
		return transcript.SpeakerModel
	}
	return transcript.SpeakerUser
}

func printStartupSummary(cfg *config.Config, caps live.Capabilities) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        echolith — voice client        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Backend", cfg.Live.Provider)
	printField("Model", cfg.Live.Model)
	printField("Voice", cfg.Live.Voice)
	printField("Device", cfg.Audio.InputDevice)
	printField("Sensitivity", string(cfg.VAD.Sensitivity))
	printField("Audio in/out", fmt.Sprintf("%d/%d Hz", caps.InputSampleRate, caps.OutputSampleRate))
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── Device listing ────────────────────────────────────────────────────────────

func runListDevices() int {
	if err := paudio.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "echolith: %v\n", err)
		return 1
	}
	defer paudio.Terminate()

	devices, err := paudio.ListInputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "echolith: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %s (%d ch, %.0f Hz)\n", marker, d.Name, d.Channels, d.SampleRate)
	}
	return 0
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
