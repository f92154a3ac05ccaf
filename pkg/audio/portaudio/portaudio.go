// Package portaudio implements [audio.Backend] on top of the PortAudio C
// library via github.com/gordonklaus/portaudio.
//
// The PortAudio runtime is initialised lazily on the first open and
// terminated when the last stream opened through the backend is closed, so a
// process that never touches audio never loads a host API.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Backend opens streams on the default PortAudio input and output devices.
// The zero value is not usable; construct with [New].
type Backend struct {
	mu   sync.Mutex
	refs int
}

var _ audio.Backend = (*Backend)(nil)

// New returns a PortAudio backend.
func New() *Backend {
	return &Backend{}
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "portaudio" }

// OpenInput implements [audio.Backend]. The stream is mono at
// cfg.Format.SampleRate on the default input device.
func (b *Backend) OpenInput(cfg audio.StreamConfig, cb audio.InputCallback) (audio.Stream, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	dev, err := pa.DefaultInputDevice()
	if err != nil {
		b.release()
		return nil, fmt.Errorf("%w: portaudio: default input: %w", audio.ErrDeviceUnavailable, err)
	}
	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = max(cfg.Format.Channels, 1)
	params.SampleRate = float64(cfg.Format.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer

	s, err := pa.OpenStream(params, func(in []float32) { cb(in) })
	if err != nil {
		b.release()
		return nil, fmt.Errorf("%w: portaudio: open input: %w", audio.ErrDeviceUnavailable, err)
	}
	slog.Debug("portaudio: input stream opened",
		"device", dev.Name,
		"sample_rate", cfg.Format.SampleRate,
		"frames_per_buffer", cfg.FramesPerBuffer,
	)
	return &stream{backend: b, s: s, dir: "input"}, nil
}

// OpenOutput implements [audio.Backend]. The stream is mono at
// cfg.Format.SampleRate on the default output device.
func (b *Backend) OpenOutput(cfg audio.StreamConfig, cb audio.OutputCallback) (audio.Stream, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	dev, err := pa.DefaultOutputDevice()
	if err != nil {
		b.release()
		return nil, fmt.Errorf("%w: portaudio: default output: %w", audio.ErrDeviceUnavailable, err)
	}
	params := pa.LowLatencyParameters(nil, dev)
	params.Output.Channels = max(cfg.Format.Channels, 1)
	params.SampleRate = float64(cfg.Format.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer

	s, err := pa.OpenStream(params, func(out []float32) { cb(out) })
	if err != nil {
		b.release()
		return nil, fmt.Errorf("%w: portaudio: open output: %w", audio.ErrDeviceUnavailable, err)
	}
	slog.Debug("portaudio: output stream opened",
		"device", dev.Name,
		"sample_rate", cfg.Format.SampleRate,
		"frames_per_buffer", cfg.FramesPerBuffer,
	)
	return &stream{backend: b, s: s, dir: "output"}, nil
}

// acquire initialises PortAudio on the first reference.
func (b *Backend) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("%w: portaudio: initialize: %w", audio.ErrDeviceUnavailable, err)
		}
	}
	b.refs++
	return nil
}

// release terminates PortAudio when the last reference goes away.
func (b *Backend) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return
	}
	b.refs--
	if b.refs == 0 {
		if err := pa.Terminate(); err != nil {
			slog.Warn("portaudio: terminate failed", "err", err)
		}
	}
}

// ─── stream ───────────────────────────────────────────────────────────────────

type stream struct {
	backend *Backend
	dir     string

	mu    sync.Mutex
	s     *pa.Stream
	state audio.StreamState
}

var _ audio.Stream = (*stream)(nil)

func (s *stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case audio.StreamRunning:
		return nil
	case audio.StreamClosed:
		return fmt.Errorf("portaudio: start %s: stream closed", s.dir)
	}
	if err := s.s.Start(); err != nil {
		return fmt.Errorf("%w: portaudio: start %s: %w", audio.ErrDeviceUnavailable, s.dir, err)
	}
	s.state = audio.StreamRunning
	return nil
}

func (s *stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != audio.StreamRunning {
		return nil
	}
	s.state = audio.StreamStopped
	// Abort discards queued buffers; used on the output side so an interrupted
	// reply is not drained through the device.
	if err := s.s.Abort(); err != nil {
		return fmt.Errorf("portaudio: stop %s: %w", s.dir, err)
	}
	return nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.state == audio.StreamClosed {
		s.mu.Unlock()
		return nil
	}
	var errs []error
	if s.state == audio.StreamRunning {
		if err := s.s.Abort(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: abort %s: %w", s.dir, err))
		}
	}
	if err := s.s.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close %s: %w", s.dir, err))
	}
	s.state = audio.StreamClosed
	s.mu.Unlock()

	s.backend.release()
	return errors.Join(errs...)
}

func (s *stream) State() audio.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
