// Package capture turns microphone input into a stream of mono frames at the
// rate the remote service expects.
//
// A [Pipeline] acquires its input stream on demand and releases it on Stop.
// Every device buffer is copied into an [audio.AudioFrame], written to the
// input amplitude tap, and handed synchronously to the registered sink. No
// frames are queued: if the sink is slow the device callback is slow.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// defaultFramesPerBuffer is the input buffer size in sample frames. Small
// buffers keep end-to-end latency low.
const defaultFramesPerBuffer = 256

// Sink receives each captured frame. It runs on the device thread and must
// not block for longer than one buffer period.
type Sink func(frame audio.AudioFrame)

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithSampleRate sets the capture rate. Default: [audio.CaptureSampleRate].
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// WithFramesPerBuffer sets the device buffer size. Default: 256.
func WithFramesPerBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.framesPerBuffer = n
		}
	}
}

// WithTap attaches an amplitude tap that observes raw captured samples.
func WithTap(t *audio.Tap) Option {
	return func(p *Pipeline) { p.tap = t }
}

// WithOnFailure registers a handler invoked once when a running input stream
// fails. The pipeline has already stopped itself when the handler runs.
func WithOnFailure(fn func(error)) Option {
	return func(p *Pipeline) { p.onFailure = fn }
}

// Pipeline owns the input stream. All methods are safe for concurrent use.
type Pipeline struct {
	backend         audio.Backend
	sink            Sink
	rate            int
	framesPerBuffer int
	tap             *audio.Tap
	onFailure       func(error)

	mu       sync.Mutex
	stream   audio.Stream
	captured int64 // sample frames delivered since Start
}

// New creates an idle Pipeline that delivers frames to sink.
func New(backend audio.Backend, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend:         backend,
		sink:            sink,
		rate:            audio.CaptureSampleRate,
		framesPerBuffer: defaultFramesPerBuffer,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the input device and begins delivering frames. Calling
// Start on a running pipeline is a no-op. If the device cannot be acquired
// the returned error wraps [audio.ErrDeviceUnavailable] and the pipeline
// stays idle.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}

	// A failure reported before Start returns fails the Start call instead of
	// reaching the failure handler.
	var (
		st       audio.Stream
		once     sync.Once
		earlyMu  sync.Mutex
		starting = true
		earlyErr error
	)
	cfg := audio.StreamConfig{
		Format:          audio.Format{SampleRate: p.rate, Channels: 1},
		FramesPerBuffer: p.framesPerBuffer,
		OnError: func(err error) {
			once.Do(func() {
				earlyMu.Lock()
				if starting {
					earlyErr = err
					earlyMu.Unlock()
					return
				}
				earlyMu.Unlock()
				p.failed(st, err)
			})
		},
	}
	st, err := p.backend.OpenInput(cfg, p.onBuffer)
	if err != nil {
		return fmt.Errorf("capture: open input: %w", err)
	}
	err = st.Start()
	earlyMu.Lock()
	starting = false
	if err == nil {
		err = earlyErr
	}
	earlyMu.Unlock()
	if err != nil {
		if cerr := st.Close(); cerr != nil {
			slog.Warn("capture: close after failed start", "err", cerr)
		}
		return fmt.Errorf("capture: start input: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	p.stream = st
	p.captured = 0
	slog.Debug("capture: input stream started",
		"backend", p.backend.Name(),
		"sample_rate", p.rate,
		"frames_per_buffer", p.framesPerBuffer,
	)
	return nil
}

// Stop releases the input device. Safe to call when never started, after a
// failed start, or repeatedly; only the call that actually releases a stream
// can return an error.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	st := p.stream
	p.stream = nil
	p.mu.Unlock()

	if st == nil {
		return nil
	}
	if p.tap != nil {
		p.tap.Reset()
	}
	if err := st.Close(); err != nil {
		return fmt.Errorf("capture: close input: %w", err)
	}
	return nil
}

// Running reports whether an input stream is held.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// onBuffer is the device callback.
func (p *Pipeline) onBuffer(in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)

	p.mu.Lock()
	ts := audio.SamplesToDuration(p.captured, p.rate)
	p.captured += int64(len(samples))
	p.mu.Unlock()

	if p.tap != nil {
		p.tap.Write(samples)
	}
	if p.sink != nil {
		p.sink(audio.AudioFrame{
			Samples:    samples,
			SampleRate: p.rate,
			Channels:   1,
			Timestamp:  ts,
		})
	}
}

// failed handles a device error on st. A failure reported by a stream that
// has already been replaced or released is only logged.
func (p *Pipeline) failed(st audio.Stream, err error) {
	p.mu.Lock()
	current := p.stream == st && st != nil
	if current {
		p.stream = nil
	}
	p.mu.Unlock()

	if !current {
		slog.Debug("capture: ignoring failure of released stream", "err", err)
		return
	}
	slog.Warn("capture: input device failed", "err", err)
	if cerr := st.Close(); cerr != nil {
		slog.Warn("capture: close failed stream", "err", cerr)
	}
	if p.tap != nil {
		p.tap.Reset()
	}
	if p.onFailure != nil {
		p.onFailure(fmt.Errorf("capture: %w: %w", audio.ErrDeviceUnavailable, err))
	}
}
