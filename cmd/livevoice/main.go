// Command livevoice runs a duplex realtime voice session against the Gemini
// Live API from the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/audio/portaudio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/live/gemini"
	"github.com/MrWong99/livevoice/pkg/provider/live/genaisdk"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file providing the API key variable")
	noConsole := flag.Bool("no-console", false, "disable the stdin command console")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("livevoice", version)
		return 0
	}

	// Variables already set in the environment win over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "livevoice: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livevoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("livevoice starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"model", cfg.Provider.Model,
		"voice", cfg.Session.Voice,
		"audio", cfg.Audio.Backend,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		LiveProvider:   cfg.Provider.Name,
		AudioBackend:   cfg.Audio.Backend,
		Registry:       promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers,
		app.WithGatherer(promReg),
		app.WithLogLevel(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.AddCloser(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTelemetry(shutdownCtx)
	})

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		application.AddCloser(func() error { watcher.Stop(); return nil })
	}

	// ── Console ───────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !*noConsole {
		go func() {
			defer cancel()
			if err := application.Console(runCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("console error", "err", err)
			}
		}()
	}

	slog.Info("ready; press Ctrl+C or type quit to shut down")

	code := 0
	if err := application.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the built-in live providers and audio backends into
// reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		key := entry.ResolveAPIKey()
		if key == "" {
			return nil, fmt.Errorf("no API key: set provider.api_key or $%s", entry.APIKeyEnv)
		}
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(key, opts...), nil
	})

	reg.RegisterLive("genai", func(entry config.ProviderEntry) (live.Provider, error) {
		key := entry.ResolveAPIKey()
		if key == "" {
			return nil, fmt.Errorf("no API key: set provider.api_key or $%s", entry.APIKeyEnv)
		}
		var opts []genaisdk.Option
		if entry.Model != "" {
			opts = append(opts, genaisdk.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genaisdk.WithBaseURL(entry.BaseURL))
		}
		return genaisdk.New(key, opts...), nil
	})

	reg.RegisterBackend("portaudio", func(config.AudioConfig) (audio.Backend, error) {
		return portaudio.New(), nil
	})

	// The mock backend opens silent streams; useful on machines without
	// audio devices.
	reg.RegisterBackend("mock", func(config.AudioConfig) (audio.Backend, error) {
		return &audiomock.Backend{}, nil
	})

	for _, name := range reg.LiveNames() {
		slog.Debug("registered provider", "kind", "live", "name", name)
	}
}

// buildProviders instantiates the providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	lp, err := reg.CreateLive(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Provider.Name, err)
	}
	slog.Info("provider created", "kind", "live", "name", lp.Name())

	backend, err := reg.CreateBackend(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio backend %q: %w", cfg.Audio.Backend, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Backend)

	return &app.Providers{Live: lp, Audio: backend}, nil
}
