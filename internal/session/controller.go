// Package session implements the lifecycle controller of a duplex voice
// session.
//
// A [Controller] ties together the capture pipeline, the playback scheduler
// and the transport. It walks the state machine
//
//	Uninitialized → Connecting → Ready ⇄ Recording
//	      ↑              ↓         ↓
//	      └── Closing ←──┴ Errored ┘
//
// and publishes every change through a single [Status] slot.
//
// User operations (Start, StartRecording, StopRecording, Reset, Close) are
// serialised by an operation mutex. Device and network callbacks never take
// that mutex; they only touch the status slot and the lock-free recording
// gate, so a slow operation can never stall the audio thread.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livevoice/internal/capture"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/playback"
	"github.com/MrWong99/livevoice/internal/transport"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// Status messages published by the controller.
const (
	msgConnecting     = "Connecting..."
	msgOpened         = "Connection Opened."
	msgRequestingMic  = "Requesting microphone access..."
	msgMicGranted     = "Microphone access granted. Starting capture..."
	msgRecording      = "Recording..."
	msgStopped        = "Recording stopped."
	msgClearing       = "Clearing session..."
	msgCleared        = "Session cleared. Ready to start."
	msgClosed         = "Session closed."
	msgConnClosedTmpl = "Connection Closed: %s"
)

const defaultConnectTimeout = 15 * time.Second

// Config holds the dependencies and settings of a [Controller].
type Config struct {
	// Provider opens live sessions. Required.
	Provider live.Provider

	// Backend opens the microphone and speaker streams. Required.
	Backend audio.Backend

	// Session is the configuration sent with every (re)connect.
	Session live.SessionConfig

	// InputSampleRate is the capture rate. Default: 16000.
	InputSampleRate int

	// OutputSampleRate is the playback device rate. Default: 24000.
	OutputSampleRate int

	// FramesPerBuffer is the device buffer size for both directions.
	// Default: 256.
	FramesPerBuffer int

	// ConnectTimeout bounds a single connect attempt. Default: 15s.
	ConnectTimeout time.Duration

	// Metrics is the metrics sink. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Controller owns the session lifecycle. All methods are safe for concurrent
// use.
type Controller struct {
	provider       live.Provider
	capture        *capture.Pipeline
	playback       *playback.Scheduler
	transport      *transport.Transport
	metrics        *observe.Metrics
	connectTimeout time.Duration

	inputTap  *audio.Tap
	outputTap *audio.Tap

	// recording gates outbound audio. Read lock-free from the capture thread.
	recording atomic.Bool

	// sendFailing suppresses repeated status updates while sends keep failing.
	sendFailing atomic.Bool

	// opMu serialises user operations.
	opMu   sync.Mutex
	closed bool

	// notifyMu orders status updates with their notifications.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	status    Status
	sessCfg   live.SessionConfig
	observers []func(Status)
}

// New creates an idle controller. No device or network resource is acquired
// until [Controller.Start] or [Controller.StartRecording].
func New(cfg Config) *Controller {
	c := &Controller{
		provider:       cfg.Provider,
		metrics:        cfg.Metrics,
		connectTimeout: cfg.ConnectTimeout,
		sessCfg:        cfg.Session,
		inputTap:       audio.NewTap(0),
		outputTap:      audio.NewTap(0),
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = defaultConnectTimeout
	}

	c.capture = capture.New(cfg.Backend, c.onFrame,
		capture.WithSampleRate(cfg.InputSampleRate),
		capture.WithFramesPerBuffer(cfg.FramesPerBuffer),
		capture.WithTap(c.inputTap),
		capture.WithOnFailure(c.onCaptureFailure),
	)
	c.playback = playback.New(cfg.Backend,
		playback.WithSampleRate(cfg.OutputSampleRate),
		playback.WithFramesPerBuffer(cfg.FramesPerBuffer),
		playback.WithTap(c.outputTap),
		playback.WithMetrics(c.metrics),
		playback.WithOnDeviceError(c.onPlaybackFailure),
	)
	c.transport = transport.New(cfg.Provider, transport.Handlers{
		OnOpen:        c.onOpen,
		OnAudio:       c.onAudio,
		OnInterrupted: c.onInterrupted,
		OnText:        c.onText,
		OnError:       c.onTransportError,
		OnClose:       c.onRemoteClose,
	}, transport.WithMetrics(c.metrics))
	return c
}

// ── Operations ────────────────────────────────────────────────────────────────

// Start opens a session. It is a no-op if a session is already open. On
// failure the controller ends in [StateErrored] and the error is returned.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.transport.Connected() {
		return nil
	}
	return c.connect(ctx)
}

// StartRecording begins forwarding microphone audio. It is a no-op while
// already recording. Without an open session it makes one inline reconnect
// attempt; if that fails the returned error wraps [ErrNotReady]. If the
// microphone cannot be acquired the error wraps [audio.ErrDeviceUnavailable]
// and the controller stays Ready.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.recording.Load() {
		return nil
	}

	if !c.transport.Connected() {
		slog.Info("session: no open session, reconnecting before recording")
		if err := c.connect(ctx); err != nil {
			err = fmt.Errorf("session: start recording: %w: %w", ErrNotReady, err)
			c.setErr(nil, err)
			return err
		}
	}

	c.setMessage(nil, msgRequestingMic)
	c.sendFailing.Store(false)
	// The gauge moves with the gate: whoever clears the gate records -1.
	c.recording.Store(true)
	c.metrics.Recording.Add(ctx, 1)
	if err := c.capture.Start(ctx); err != nil {
		if c.recording.Swap(false) {
			c.metrics.Recording.Add(ctx, -1)
		}
		err = fmt.Errorf("session: start recording: %w", err)
		c.setErr(nil, err)
		return err
	}
	c.setMessage(nil, msgMicGranted)

	// A remote close or a device failure may have cleared the gate while the
	// device was opening.
	if !c.recording.Load() {
		c.stopCapture()
		cause := audio.ErrDeviceUnavailable
		if !c.transport.Connected() {
			cause = ErrNotReady
		}
		err := fmt.Errorf("session: start recording: %w", cause)
		c.setErr(nil, err)
		return err
	}
	if !c.transport.Connected() {
		c.stopRecording()
		err := fmt.Errorf("session: start recording: %w", ErrNotReady)
		c.setErr(nil, err)
		return err
	}

	c.setMessage(stateRef(StateRecording), msgRecording)
	return nil
}

// StopRecording stops forwarding microphone audio and releases the
// microphone. Idempotent.
func (c *Controller) StopRecording() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.stopRecording() {
		c.setMessage(c.readyIfRecording(), msgStopped)
	}
	return nil
}

// Reset tears the session down and opens a fresh one: recording is stopped,
// the session closed, playback interrupted with its output device recreated
// if it failed, and a new session opened. The instruction text survives.
func (c *Controller) Reset(ctx context.Context) (err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return ErrClosed
	}

	ctx, span := observe.StartSpan(ctx, "session.reset")
	defer func() { observe.EndSpan(span, err) }()

	c.setMessage(stateRef(StateClosing), msgClearing)
	c.stopRecording()
	c.transport.Close()
	if perr := c.playback.Reset(); perr != nil {
		slog.Warn("session: reset playback", "err", perr)
	}
	c.setMessage(stateRef(StateUninitialized), "")

	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("session: reset: %w", err)
	}
	c.setMessage(nil, msgCleared)
	return nil
}

// Close releases every resource. Each step runs even if an earlier one
// failed; failures are logged and returned joined. Idempotent.
func (c *Controller) Close(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.setMessage(stateRef(StateClosing), "")
	var errs []error
	c.stopRecording()
	if err := c.capture.Stop(); err != nil {
		slog.Warn("session: close capture", "err", err)
		errs = append(errs, err)
	}
	c.transport.Close()
	if err := c.playback.Close(); err != nil {
		slog.Warn("session: close playback", "err", err)
		errs = append(errs, err)
	}
	c.setMessage(stateRef(StateUninitialized), msgClosed)
	observe.Logger(ctx).Info("session: controller closed")
	return errors.Join(errs...)
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// Status returns a snapshot of the status slot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Ready reports whether a session is open.
func (c *Controller) Ready() bool {
	s := c.Status().State
	return s == StateReady || s == StateRecording
}

// SessionID returns the identifier of the open session, or "" if none is
// open.
func (c *Controller) SessionID() string { return c.transport.SessionID() }

// Recording reports whether microphone audio is being forwarded.
func (c *Controller) Recording() bool { return c.recording.Load() }

// OnStatus registers fn to be called after every status change. Observers
// run synchronously in registration order and must not call mutating
// controller methods.
func (c *Controller) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// InputTap returns the amplitude tap on raw microphone samples.
func (c *Controller) InputTap() *audio.Tap { return c.inputTap }

// OutputTap returns the amplitude tap on the final output mix.
func (c *Controller) OutputTap() *audio.Tap { return c.outputTap }

// Playback exposes the scheduler for introspection.
func (c *Controller) Playback() *playback.Scheduler { return c.playback }

// SessionConfig returns the configuration used for the next connect.
func (c *Controller) SessionConfig() live.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessCfg
}

// SetSessionConfig replaces the configuration used for the next connect. An
// open session is not affected.
func (c *Controller) SetSessionConfig(cfg live.SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessCfg = cfg
}

// ── Internals ─────────────────────────────────────────────────────────────────

// connect opens a session. opMu must be held.
func (c *Controller) connect(ctx context.Context) error {
	c.setMessage(stateRef(StateConnecting), msgConnecting)

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := c.transport.Connect(ctx, c.SessionConfig()); err != nil {
		err = fmt.Errorf("session: connect: %w", err)
		c.setErr(stateRef(StateErrored), err)
		return err
	}
	return nil
}

// stopRecording clears the gate and releases the microphone. It reports
// whether recording was active.
func (c *Controller) stopRecording() bool {
	if !c.recording.Swap(false) {
		return false
	}
	c.stopCapture()
	c.metrics.Recording.Add(context.Background(), -1)
	return true
}

func (c *Controller) stopCapture() {
	if err := c.capture.Stop(); err != nil {
		slog.Warn("session: stop capture", "err", err)
	}
}

// readyIfRecording returns StateReady if the controller is in
// StateRecording, nil otherwise.
func (c *Controller) readyIfRecording() *State {
	if c.Status().State == StateRecording {
		return stateRef(StateReady)
	}
	return nil
}

func stateRef(s State) *State { return &s }

// setMessage updates the slot with msg, clearing any error. A nil state
// leaves the state unchanged.
func (c *Controller) setMessage(state *State, msg string) {
	c.update(state, func(s *Status) {
		s.Message = msg
		s.Err = nil
	})
}

// setErr updates the slot with err, clearing any message.
func (c *Controller) setErr(state *State, err error) {
	c.update(state, func(s *Status) {
		s.Message = ""
		s.Err = err
	})
}

func (c *Controller) update(state *State, fn func(*Status)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	from := c.status.State
	if state != nil {
		c.status.State = *state
	}
	fn(&c.status)
	c.status.Recording = c.recording.Load()
	snap := c.status
	observers := c.observers
	c.mu.Unlock()

	if snap.State != from {
		c.metrics.RecordTransition(context.Background(), from.String(), snap.State.String())
		slog.Info("session: state changed", "from", from, "to", snap.State)
	}
	if snap.Err != nil {
		slog.Warn("session: status", "state", snap.State, "err", snap.Err)
	} else if snap.Message != "" {
		slog.Debug("session: status", "state", snap.State, "message", snap.Message)
	}
	for _, fn := range observers {
		fn(snap)
	}
}

// ── Callbacks ─────────────────────────────────────────────────────────────────

// onFrame runs on the capture thread for every microphone buffer.
func (c *Controller) onFrame(frame audio.AudioFrame) {
	if !c.recording.Load() {
		return
	}
	chunk := audio.EncodeFrame(frame)
	if err := c.transport.Send(context.Background(), chunk); err != nil {
		if !c.sendFailing.Swap(true) {
			c.setErr(nil, fmt.Errorf("session: send audio: %w", err))
		}
		return
	}
	c.sendFailing.Store(false)
}

func (c *Controller) onCaptureFailure(err error) {
	if !c.recording.Swap(false) {
		return
	}
	c.metrics.Recording.Add(context.Background(), -1)
	c.setErr(c.readyIfRecording(), fmt.Errorf("session: microphone: %w", err))
}

func (c *Controller) onPlaybackFailure(err error) {
	c.setErr(nil, fmt.Errorf("session: speaker: %w", err))
}

func (c *Controller) onOpen() {
	c.setMessage(stateRef(StateReady), msgOpened)
}

func (c *Controller) onAudio(chunk audio.EncodedChunk) {
	if _, err := c.playback.Enqueue(context.Background(), chunk); err != nil {
		if errors.Is(err, audio.ErrMalformedAudio) {
			slog.Warn("session: dropping malformed audio chunk", "err", err)
			return
		}
		if errors.Is(err, playback.ErrClosed) {
			return
		}
		c.setErr(nil, fmt.Errorf("session: playback: %w", err))
	}
}

func (c *Controller) onInterrupted() {
	c.playback.Interrupt()
}

func (c *Controller) onText(source, text string) {
	slog.Info("session: text", "source", source, "text", text)
}

func (c *Controller) onTransportError(err error) {
	c.setErr(nil, fmt.Errorf("session: %w", err))
}

// onRemoteClose runs when the service ended an open session.
func (c *Controller) onRemoteClose(err error) {
	if c.recording.Swap(false) {
		c.stopCapture()
		c.metrics.Recording.Add(context.Background(), -1)
	}
	reason := "Unknown reason"
	var ce *live.CloseError
	if errors.As(err, &ce) && ce.Reason != "" {
		reason = ce.Reason
	} else if err != nil && ce == nil {
		reason = err.Error()
	}
	c.setMessage(stateRef(StateUninitialized), fmt.Sprintf(msgConnClosedTmpl, reason))
}
