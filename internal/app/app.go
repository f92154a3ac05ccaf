// Package app wires the livevoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session controller
// and the HTTP surface, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject mock providers through [Providers] and replace the
// metrics sink or Prometheus registry via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// shutdownGrace bounds the HTTP server drain on shutdown.
const shutdownGrace = 5 * time.Second

// Providers holds the externally constructed dependencies. Populated by
// main.go via the config registry.
type Providers struct {
	Live  live.Provider
	Audio audio.Backend
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	logLevel *slog.LevelVar

	ctrl     *session.Controller
	server   *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	mu       sync.Mutex
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry the /metrics endpoint gathers from. It must
// be the registry the OTel Prometheus exporter registered with. Default:
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLogLevel lets config reloads adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener serves HTTP on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring the session controller to the providers and
// building the health, status and metrics endpoints. No device or network
// resource is acquired until [App.Run].
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: live provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: audio backend is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	sessCfg, err := SessionConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: session config: %w", err)
	}

	a.ctrl = session.New(session.Config{
		Provider:         providers.Live,
		Backend:          providers.Audio,
		Session:          sessCfg,
		InputSampleRate:  cfg.Audio.InputSampleRate,
		OutputSampleRate: cfg.Audio.OutputSampleRate,
		FramesPerBuffer:  cfg.Audio.FramesPerBuffer,
		ConnectTimeout:   cfg.Session.ConnectTimeout,
		Metrics:          a.metrics,
	})
	a.ctrl.OnStatus(func(s session.Status) {
		slog.Debug("status", "state", s.State, "text", s.Text())
	})

	if a.listener != nil || cfg.Server.ListenAddr != "-" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

// SessionConfig derives the live session configuration from cfg, composing
// the system instruction with the reference document if one is configured.
func SessionConfig(cfg *config.Config) (live.SessionConfig, error) {
	instructions, err := cfg.Session.SystemInstruction()
	if err != nil {
		return live.SessionConfig{}, err
	}
	return live.SessionConfig{
		Model:        cfg.Provider.Model,
		Voice:        cfg.Session.Voice,
		Instructions: instructions,
	}, nil
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Handler returns the HTTP handler serving /healthz, /readyz, /status and
// /metrics, wrapped with the observability middleware.
func (a *App) Handler() http.Handler {
	h := health.New([]health.Checker{
		{Name: "session", Check: func(context.Context) error {
			if st := a.ctrl.Status(); st.State != session.StateReady && st.State != session.StateRecording {
				return fmt.Errorf("state is %s", st.State)
			}
			return nil
		}},
	}, health.WithStatus(func() any { return a.Report() }))

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return observe.Middleware(a.metrics,
		observe.WithSessionAttrs(a.sessionAttrs),
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
	)(mux)
}

// sessionAttrs tags request spans with the live session they observed.
func (a *App) sessionAttrs() []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("session.state", a.ctrl.Status().State.String())}
	if id := a.ctrl.SessionID(); id != "" {
		attrs = append(attrs, attribute.String("session.id", id))
	}
	return attrs
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the first session and serves HTTP until ctx is cancelled. A
// failed initial connect is not fatal: the controller reports Errored and the
// user may retry with start or reset.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		ln := a.listener
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", a.server.Addr)
			if err != nil {
				return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
			}
		}
		slog.Info("http server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := a.ctrl.Start(gctx); err != nil {
			slog.Warn("initial connect failed", "err", err)
		}
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config. Session
// changes take effect at the next (re)connect. It is suitable as a
// [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.SessionChanged {
		sessCfg, err := SessionConfig(new)
		if err != nil {
			slog.Warn("config reload: session config not applied", "err", err)
		} else {
			a.ctrl.SetSessionConfig(sessCfg)
			slog.Info("session config updated; applies at next reset",
				"voice_changed", d.SessionChanges.VoiceChanged,
				"instructions_changed", d.SessionChanges.InstructionsChanged,
			)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes require a restart", "sections", d.RestartRequired)
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// AddCloser registers fn to run during Shutdown, after the controller closed.
func (a *App) AddCloser(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the session controller and then runs the registered
// closers in order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		closers := a.closers
		a.mu.Unlock()
		slog.Info("shutting down", "closers", len(closers))

		if err := a.ctrl.Close(ctx); err != nil {
			slog.Warn("session close error", "err", err)
		}

		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
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
