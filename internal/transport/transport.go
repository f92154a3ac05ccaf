// Package transport owns the single live session with the remote service.
//
// A [Transport] opens at most one [live.Session] at a time, demultiplexes its
// inbound events onto a set of [Handlers], and forwards outbound microphone
// chunks. Each opened session is tagged with a generation number; events
// from a session that was closed or replaced are dropped, so a late message
// from an old connection can never reach the handlers of a new one.
//
// Handlers run on the session's receive goroutine, in the order the service
// sent the events. [Transport.Close] waits for a handler that is running, so
// once Close returns no handler of the closed session is active. Handlers
// must therefore not call [Transport.Close] or [Transport.Connect]
// synchronously.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// Sentinel errors.
var (
	// ErrNotConnected is returned by Send when no session is open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnectionFailed wraps every failure to open a session.
	ErrConnectionFailed = errors.New("transport: connection failed")
)

// Handlers receives session lifecycle and inbound events. Nil fields are
// skipped.
type Handlers struct {
	// OnOpen fires once the service acknowledged the session setup.
	OnOpen func()

	// OnAudio fires for every inline audio chunk of the model's reply.
	OnAudio func(chunk audio.EncodedChunk)

	// OnInterrupted fires when the service stopped its reply because the user
	// started speaking. Audio carried by the same message is delivered first.
	OnInterrupted func()

	// OnTurnComplete fires when the model finished its turn.
	OnTurnComplete func()

	// OnText fires for text parts and transcriptions. source is one of the
	// live.Text* constants.
	OnText func(source, text string)

	// OnError fires for non-fatal errors reported by the service, including
	// an announced disconnect.
	OnError func(err error)

	// OnClose fires when the current session ended from the remote side. err
	// describes why and is usually a *live.CloseError. It does not fire after
	// a local Close.
	OnClose func(err error)
}

// Option is a functional option for [New].
type Option func(*Transport)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// Transport manages one live session. All methods are safe for concurrent
// use.
type Transport struct {
	provider live.Provider
	handlers Handlers
	metrics  *observe.Metrics

	mu   sync.Mutex
	sess live.Session
	id   string
	gen  uint64

	// dispatchMu is held while an event is checked against the current
	// generation and handed to the handlers.
	dispatchMu sync.Mutex
}

// New creates a Transport that opens sessions through provider and reports
// to h.
func New(provider live.Provider, h Handlers, opts ...Option) *Transport {
	t := &Transport{provider: provider, handlers: h}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Connect opens a session with cfg and returns once the service acknowledged
// it. A session that is already open is closed first. On failure the
// returned error wraps [ErrConnectionFailed] and no session is held.
func (t *Transport) Connect(ctx context.Context, cfg live.SessionConfig) (err error) {
	ctx, span := observe.StartSpan(ctx, "transport.connect")
	defer func() { observe.EndSpan(span, err) }()

	t.Close()

	start := time.Now()
	sess, err := t.provider.Connect(ctx, cfg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", t.provider.Name()), observe.Attr("status", status)))
	if err != nil {
		t.metrics.RecordProviderError(ctx, t.provider.Name(), "connect")
		return fmt.Errorf("transport: connect: %w: %w", ErrConnectionFailed, err)
	}

	t.mu.Lock()
	if t.sess != nil {
		// A concurrent Connect won the slot; keep the newest session.
		prev := t.sess
		t.mu.Unlock()
		t.release(prev)
		t.mu.Lock()
	}
	t.gen++
	gen := t.gen
	id := uuid.NewString()
	t.sess = sess
	t.id = id
	t.mu.Unlock()

	t.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(observe.WithSessionID(ctx, id)).Info("transport: session opened",
		"provider", t.provider.Name(),
		"model", cfg.Model,
		"voice", cfg.Voice,
		"duration", time.Since(start),
	)

	if t.handlers.OnOpen != nil {
		t.handlers.OnOpen()
	}
	go t.pump(gen, id, sess)
	return nil
}

// Send forwards one encoded chunk on the current session. It returns
// [ErrNotConnected] immediately if no session is open; chunks are never
// buffered for a later session.
func (t *Transport) Send(ctx context.Context, chunk audio.EncodedChunk) error {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()

	if sess == nil {
		return ErrNotConnected
	}
	if err := sess.SendAudio(ctx, chunk); err != nil {
		t.metrics.RecordProviderError(ctx, t.provider.Name(), "send")
		if errors.Is(err, live.ErrSessionClosed) {
			return fmt.Errorf("transport: send: %w: %w", ErrNotConnected, err)
		}
		return fmt.Errorf("transport: send: %w", err)
	}
	t.metrics.RecordChunkSent(ctx, t.provider.Name())
	return nil
}

// Connected reports whether a session is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess != nil
}

// SessionID returns the local identifier of the open session, or "" if none
// is open. Every successful Connect assigns a fresh identifier.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Close closes the current session, if any. Safe to call repeatedly and
// without a prior Connect. Events of the closed session are discarded, and a
// handler already running for it is waited for before Close returns.
func (t *Transport) Close() {
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.id = ""
	t.gen++
	t.mu.Unlock()

	// Any dispatch starting after this point sees the new generation.
	t.dispatchMu.Lock()
	t.dispatchMu.Unlock() //nolint:staticcheck // empty critical section waits for the running handler

	if sess != nil {
		t.release(sess)
	}
}

func (t *Transport) release(sess live.Session) {
	if err := sess.Close(); err != nil {
		slog.Warn("transport: close session", "provider", t.provider.Name(), "err", err)
	}
	t.metrics.ActiveSessions.Add(context.Background(), -1)
}

// current reports whether gen is still the live generation.
func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen
}

// pump delivers the events of sess until its channel closes.
func (t *Transport) pump(gen uint64, id string, sess live.Session) {
	ctx := observe.WithSessionID(context.Background(), id)
	for ev := range sess.Events() {
		t.dispatchMu.Lock()
		if t.current(gen) {
			t.dispatch(ctx, ev)
		}
		t.dispatchMu.Unlock()
	}

	// The session ended. If it is still the current one the remote side
	// closed it; otherwise a local Close or a newer Connect already handled it.
	t.mu.Lock()
	remote := t.gen == gen && t.sess == sess
	if remote {
		t.sess = nil
		t.id = ""
		t.gen++
	}
	t.mu.Unlock()
	if !remote {
		return
	}

	_ = sess.Close()
	t.metrics.ActiveSessions.Add(ctx, -1)
	err := sess.Err()
	if err == nil {
		err = &live.CloseError{Code: -1, Reason: "session ended"}
	}
	t.metrics.RecordProviderError(ctx, t.provider.Name(), "closed")
	observe.Logger(ctx).Info("transport: session closed by remote", "provider", t.provider.Name(), "reason", err)
	if t.handlers.OnClose != nil {
		t.handlers.OnClose(err)
	}
}

func (t *Transport) dispatch(ctx context.Context, ev live.Event) {
	h := t.handlers
	switch ev.Kind {
	case live.EventAudio:
		t.metrics.RecordChunkReceived(ctx, t.provider.Name())
		if h.OnAudio != nil {
			h.OnAudio(ev.Audio)
		}
	case live.EventInterrupted:
		observe.Logger(ctx).Debug("transport: interrupted by user speech")
		if h.OnInterrupted != nil {
			h.OnInterrupted()
		}
	case live.EventTurnComplete:
		if h.OnTurnComplete != nil {
			h.OnTurnComplete()
		}
	case live.EventText:
		observe.Logger(ctx).Debug("transport: text", "source", ev.Source, "text", ev.Text)
		if h.OnText != nil {
			h.OnText(ev.Source, ev.Text)
		}
	case live.EventGoAway:
		observe.Logger(ctx).Warn("transport: service announced disconnect", "time_left", ev.TimeLeft)
		if h.OnError != nil {
			h.OnError(fmt.Errorf("transport: service disconnects in %s", ev.TimeLeft))
		}
	case live.EventError:
		t.metrics.RecordProviderError(ctx, t.provider.Name(), "server")
		observe.Logger(ctx).Warn("transport: service error", "err", ev.Err)
		if h.OnError != nil {
			h.OnError(ev.Err)
		}
	default:
		observe.Logger(ctx).Debug("transport: ignoring event", "kind", ev.Kind)
	}
}
