// Package playback schedules decoded audio chunks from the remote service onto
// a single output device timeline.
//
// The [Scheduler] keeps a timeline cursor in integer samples of the output
// device clock. Every enqueued chunk starts at max(cursor, now) and advances
// the cursor by its length, so consecutive chunks play back to back without
// gaps or overlap even when they arrive in bursts. [Scheduler.Interrupt]
// hard-stops everything that is scheduled and rewinds the cursor; the next
// chunk then starts immediately at the device's current time.
//
// Enqueue, Interrupt and the device render callback share one mutex, so an
// interruption is atomic with respect to chunks arriving concurrently on the
// network goroutine.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Enqueue] and [Scheduler.Reset] after
// [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// defaultFramesPerBuffer is the output device buffer size in sample frames.
const defaultFramesPerBuffer = 256

// Scheduled describes where an enqueued chunk landed on the timeline.
type Scheduled struct {
	// ID identifies the playback handle.
	ID uint64

	// Start is the timeline position the chunk begins playing at.
	Start time.Duration

	// Duration is the playback length of the chunk.
	Duration time.Duration

	// Late is true when the chunk arrived after the cursor had already been
	// passed by the device clock and was started at "now".
	Late bool
}

// handle is one scheduled, not yet finished playback.
type handle struct {
	id      uint64
	start   int64 // device clock sample index
	samples []float32
}

func (h *handle) end() int64 { return h.start + int64(len(h.samples)) }

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithSampleRate sets the output device rate. Default: [audio.PlaybackSampleRate].
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithFramesPerBuffer sets the output device buffer size. Default: 256.
func WithFramesPerBuffer(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.framesPerBuffer = n
		}
	}
}

// WithTap attaches an amplitude tap that observes the final output mix.
func WithTap(t *audio.Tap) Option {
	return func(s *Scheduler) { s.tap = t }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithOnDeviceError registers a handler invoked when the output stream fails
// after it was started. The scheduler keeps the dead stream in its slot until
// the next [Scheduler.Reset] or [Scheduler.Enqueue] replaces it.
func WithOnDeviceError(fn func(error)) Option {
	return func(s *Scheduler) { s.onDeviceError = fn }
}

// WithOnDone registers fn to receive the ID of every playback that finished
// playing to its end. It runs on the device callback goroutine, outside the
// timeline lock, and must return quickly. Playbacks stopped by an interruption
// do not report completion.
func WithOnDone(fn func(id uint64)) Option {
	return func(s *Scheduler) { s.onDone = fn }
}

// Scheduler owns the output stream and the playback timeline.
// All methods are safe for concurrent use.
type Scheduler struct {
	backend         audio.Backend
	rate            int
	framesPerBuffer int
	tap             *audio.Tap
	metrics         *observe.Metrics
	onDeviceError   func(error)
	onDone          func(id uint64)
	conv            *audio.FormatConverter

	// devMu guards the stream slot. It is never held while the render
	// callback runs, so opening and starting a device cannot deadlock with it.
	devMu  sync.Mutex
	stream audio.Stream

	// mu guards the timeline. Shared by Enqueue, Interrupt and render.
	mu     sync.Mutex
	clock  int64 // samples rendered by the device so far
	cursor int64 // next free start position
	live   []*handle
	nextID uint64
	closed bool
}

// New creates a Scheduler that opens its output stream lazily through backend.
func New(backend audio.Backend, opts ...Option) *Scheduler {
	s := &Scheduler{
		backend:         backend,
		rate:            audio.PlaybackSampleRate,
		framesPerBuffer: defaultFramesPerBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.conv = &audio.FormatConverter{Target: audio.Format{SampleRate: s.rate, Channels: 1}}
	return s
}

// Enqueue decodes chunk and places it on the timeline at max(cursor, now).
// Chunks whose declared rate differs from the device rate are resampled; a
// chunk without a rate tag is assumed to be at the device rate.
//
// Malformed chunks return an error wrapping [audio.ErrMalformedAudio] and
// leave the timeline untouched.
func (s *Scheduler) Enqueue(ctx context.Context, chunk audio.EncodedChunk) (Scheduled, error) {
	pcm, err := audio.DecodeChunk(chunk)
	if err != nil {
		return Scheduled{}, fmt.Errorf("playback: enqueue: %w", err)
	}
	rate, ok := audio.ParseRate(chunk.MIMEType)
	if !ok {
		rate = s.rate
	}
	frame, err := audio.DecodeToFrame(pcm, rate, 1)
	if err != nil {
		return Scheduled{}, fmt.Errorf("playback: enqueue: %w", err)
	}
	frame = s.conv.Convert(frame)
	return s.EnqueueFrame(ctx, frame)
}

// EnqueueFrame places an already decoded mono frame at the device rate on the
// timeline. Empty frames are accepted and occupy no time.
func (s *Scheduler) EnqueueFrame(ctx context.Context, frame audio.AudioFrame) (Scheduled, error) {
	if err := s.ensureOutput(); err != nil {
		return Scheduled{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Scheduled{}, ErrClosed
	}
	now := s.clock
	late := s.cursor > 0 && now > s.cursor
	start := max(s.cursor, now)
	s.nextID++
	h := &handle{id: s.nextID, start: start, samples: frame.Samples}
	if len(h.samples) > 0 {
		s.live = append(s.live, h)
	}
	s.cursor = h.end()
	s.mu.Unlock()

	sc := Scheduled{
		ID:       h.id,
		Start:    audio.SamplesToDuration(start, s.rate),
		Duration: audio.SamplesToDuration(int64(len(h.samples)), s.rate),
		Late:     late,
	}
	s.metrics.RecordScheduled(ctx, sc.Duration.Seconds(), late)
	return sc, nil
}

// Interrupt hard-stops every live playback, clears the live set and sets the
// cursor to zero. Safe to call when nothing is playing.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopped := len(s.live)
	s.interruptLocked()
	s.mu.Unlock()

	s.metrics.Interruptions.Add(context.Background(), 1)
	slog.Debug("playback: interrupted", "stopped", stopped)
}

func (s *Scheduler) interruptLocked() {
	clear(s.live)
	s.live = s.live[:0]
	s.cursor = 0
	if s.tap != nil {
		s.tap.Reset()
	}
}

// Reset replaces the output stream if it is closed or failed, then interrupts
// playback and re-anchors the cursor to the device's current time. The
// interruption and the re-anchor happen in one critical section, so a chunk
// enqueued while the device was being replaced is stopped as well and cannot
// overlap later chunks.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.devMu.Lock()
	var err error
	if s.stream != nil && s.stream.State() == audio.StreamClosed {
		slog.Info("playback: output stream closed, recreating")
		s.stream = nil
		err = s.openLocked()
	}
	s.devMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.interruptLocked()
	s.cursor = s.clock
	s.mu.Unlock()
	return err
}

// Close interrupts playback and releases the output stream. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.interruptLocked()
	s.mu.Unlock()

	s.devMu.Lock()
	defer s.devMu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	if err != nil {
		return fmt.Errorf("playback: close: %w", err)
	}
	return nil
}

// Now returns the device clock position.
func (s *Scheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesToDuration(s.clock, s.rate)
}

// Cursor returns the next free timeline position.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesToDuration(s.cursor, s.rate)
}

// Live returns the number of scheduled playbacks that have not finished.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Ready reports whether an output stream is open and usable.
func (s *Scheduler) Ready() bool {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.stream != nil && s.stream.State() != audio.StreamClosed
}

// ensureOutput opens and starts the output stream if the slot is empty or
// holds a closed stream.
func (s *Scheduler) ensureOutput() error {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if s.stream != nil && s.stream.State() != audio.StreamClosed {
		return nil
	}
	s.stream = nil
	return s.openLocked()
}

// openLocked fills the empty stream slot. devMu must be held.
func (s *Scheduler) openLocked() error {
	cfg := audio.StreamConfig{
		Format:          audio.Format{SampleRate: s.rate, Channels: 1},
		FramesPerBuffer: s.framesPerBuffer,
		OnError:         s.deviceFailed,
	}
	st, err := s.backend.OpenOutput(cfg, s.render)
	if err != nil {
		return fmt.Errorf("playback: open output: %w", err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		return fmt.Errorf("playback: start output: %w", err)
	}
	s.stream = st
	slog.Debug("playback: output stream started",
		"backend", s.backend.Name(),
		"sample_rate", s.rate,
		"frames_per_buffer", s.framesPerBuffer,
	)
	return nil
}

func (s *Scheduler) deviceFailed(err error) {
	slog.Warn("playback: output device failed", "err", err)
	if s.onDeviceError != nil {
		s.onDeviceError(err)
	}
}

// render is the output device callback. It mixes every live handle that
// overlaps the window [clock, clock+len(out)), advances the clock and drops
// finished handles, reporting them to onDone.
func (s *Scheduler) render(out []float32) {
	clear(out)

	var done []uint64
	s.mu.Lock()
	winStart := s.clock
	winEnd := winStart + int64(len(out))
	kept := s.live[:0]
	for _, h := range s.live {
		from := max(h.start, winStart)
		to := min(h.end(), winEnd)
		for pos := from; pos < to; pos++ {
			out[pos-winStart] += h.samples[pos-h.start]
		}
		if h.end() > winEnd {
			kept = append(kept, h)
		} else if s.onDone != nil {
			done = append(done, h.id)
		}
	}
	clear(s.live[len(kept):])
	s.live = kept
	s.clock = winEnd
	s.mu.Unlock()

	for _, id := range done {
		s.onDone(id)
	}

	for i, v := range out {
		out[i] = min(max(v, -1), 1)
	}
	if s.tap != nil {
		s.tap.Write(out)
	}
}
