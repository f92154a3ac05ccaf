// Package mock provides an in-memory implementation of [audio.Backend] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every open call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values. Device callbacks are
// never invoked on their own: the test drives them explicitly through
// [Stream.Capture] and [Stream.Render], which makes timing deterministic.
//
// Typical usage:
//
//	backend := &mock.Backend{}
//	pipeline := capture.New(backend, onFrame)
//	_ = pipeline.Start(ctx)
//	backend.LastInput().Capture(make([]float32, 256))
package mock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. A stream is either an
// input (created by [Backend.OpenInput]) or an output (created by
// [Backend.OpenOutput]).
type Stream struct {
	mu sync.Mutex

	cfg     audio.StreamConfig
	input   audio.InputCallback
	output  audio.OutputCallback
	state   audio.StreamState
	onStart func(*Stream)

	// StartError, when non-nil, is returned by [Stream.Start] and the stream
	// stays in its current state.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// rendered counts the sample frames pulled through Render.
	rendered int64
}

// Config returns the configuration the stream was opened with.
func (s *Stream) Config() audio.StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start implements [audio.Stream]. The backend's start hook for the stream
// direction, if any, runs first, outside the stream lock.
func (s *Stream) Start() error {
	s.mu.Lock()
	hook := s.onStart
	s.mu.Unlock()
	if hook != nil {
		hook(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	if s.state == audio.StreamClosed {
		return errors.New("mock: start on closed stream")
	}
	s.state = audio.StreamRunning
	return nil
}

// Stop implements [audio.Stream]. Idempotent.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.state == audio.StreamRunning {
		s.state = audio.StreamStopped
	}
	return nil
}

// Close implements [audio.Stream]. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.state = audio.StreamClosed
	return nil
}

// State implements [audio.Stream].
func (s *Stream) State() audio.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capture delivers samples to the input callback, as a device would. It
// reports false (and drops the samples) if this is not a running input stream.
func (s *Stream) Capture(samples []float32) bool {
	s.mu.Lock()
	cb := s.input
	running := s.state == audio.StreamRunning
	s.mu.Unlock()
	if cb == nil || !running {
		return false
	}
	cb(samples)
	return true
}

// Render pulls n sample frames from the output callback, as a device would.
// A stream that is not running renders silence without calling back.
func (s *Stream) Render(n int) []float32 {
	s.mu.Lock()
	cb := s.output
	running := s.state == audio.StreamRunning
	channels := max(s.cfg.Format.Channels, 1)
	s.mu.Unlock()

	out := make([]float32, n*channels)
	if cb == nil || !running {
		return out
	}
	cb(out)

	s.mu.Lock()
	s.rendered += int64(n)
	s.mu.Unlock()
	return out
}

// Rendered returns the total number of sample frames pulled through Render.
func (s *Stream) Rendered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// Fail simulates a device failure: the stream is closed and the configured
// OnError handler, if any, is invoked with err.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.state = audio.StreamClosed
	onErr := s.cfg.OnError
	s.mu.Unlock()
	if onErr != nil {
		onErr(err)
	}
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [audio.Backend].
type Backend struct {
	mu sync.Mutex

	// OpenInputError, when non-nil, is returned by OpenInput wrapped in
	// [audio.ErrDeviceUnavailable].
	OpenInputError error

	// OpenOutputError, when non-nil, is returned by OpenOutput wrapped in
	// [audio.ErrDeviceUnavailable].
	OpenOutputError error

	// Inputs records every input stream opened, in order.
	Inputs []*Stream

	// Outputs records every output stream opened, in order.
	Outputs []*Stream

	// OnInputStart, when non-nil, is called at the beginning of Start on every
	// input stream opened after it was set. It may call [Stream.Fail] to
	// simulate a device that dies while starting.
	OnInputStart func(s *Stream)

	// OnOutputStart is the output stream counterpart of OnInputStart.
	OnOutputStart func(s *Stream)
}

var _ audio.Backend = (*Backend)(nil)
var _ audio.Stream = (*Stream)(nil)

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "mock" }

// OpenInput implements [audio.Backend].
func (b *Backend) OpenInput(cfg audio.StreamConfig, cb audio.InputCallback) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenInputError != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, b.OpenInputError)
	}
	s := &Stream{cfg: cfg, input: cb, onStart: b.OnInputStart}
	b.Inputs = append(b.Inputs, s)
	return s, nil
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(cfg audio.StreamConfig, cb audio.OutputCallback) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenOutputError != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, b.OpenOutputError)
	}
	s := &Stream{cfg: cfg, output: cb, onStart: b.OnOutputStart}
	b.Outputs = append(b.Outputs, s)
	return s, nil
}

// SetOpenInputError sets OpenInputError under the backend lock.
func (b *Backend) SetOpenInputError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenInputError = err
}

// SetOpenOutputError sets OpenOutputError under the backend lock.
func (b *Backend) SetOpenOutputError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenOutputError = err
}

// SetOnInputStart sets OnInputStart under the backend lock.
func (b *Backend) SetOnInputStart(fn func(s *Stream)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OnInputStart = fn
}

// SetOnOutputStart sets OnOutputStart under the backend lock.
func (b *Backend) SetOnOutputStart(fn func(s *Stream)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OnOutputStart = fn
}

// LastInput returns the most recently opened input stream, or nil.
func (b *Backend) LastInput() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Inputs) == 0 {
		return nil
	}
	return b.Inputs[len(b.Inputs)-1]
}

// LastOutput returns the most recently opened output stream, or nil.
func (b *Backend) LastOutput() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Outputs) == 0 {
		return nil
	}
	return b.Outputs[len(b.Outputs)-1]
}

// InputCount returns the number of input streams opened so far.
func (b *Backend) InputCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Inputs)
}

// OutputCount returns the number of output streams opened so far.
func (b *Backend) OutputCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Outputs)
}
