package audio

import "errors"

// ErrDeviceUnavailable is returned when an input or output device cannot be
// acquired: missing hardware, denied permission, or a backend that failed to
// initialise. It is recoverable; callers report it and stay in a re-enterable
// state.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// StreamState describes the lifecycle position of a device [Stream].
type StreamState int

const (
	// StreamOpen means the stream was opened but not started.
	StreamOpen StreamState = iota

	// StreamRunning means the device is invoking the stream callback.
	StreamRunning

	// StreamStopped means the stream was started and then stopped. It can be
	// started again.
	StreamStopped

	// StreamClosed means the stream released its device and is unusable.
	// Owners must construct a new stream to continue.
	StreamClosed
)

// String returns the human-readable name of the state.
func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamRunning:
		return "running"
	case StreamStopped:
		return "stopped"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InputCallback receives one buffer of captured samples. The slice is only
// valid for the duration of the call; implementations copy what they keep.
// It runs on the device thread and must not block.
type InputCallback func(in []float32)

// OutputCallback fills out with the next buffer of samples to play. It runs
// on the device thread and must not block.
type OutputCallback func(out []float32)

// StreamConfig describes a stream to open.
type StreamConfig struct {
	// Format is the sample rate and channel count of the stream.
	Format Format

	// FramesPerBuffer is the number of sample frames per callback. Small
	// values bound end-to-end latency (the live session uses 256).
	FramesPerBuffer int

	// OnError is invoked, at most once, when the stream fails after it was
	// started (device unplugged, driver error). May be nil.
	OnError func(error)
}

// Stream is an owned handle on an input or output device stream.
//
// Implementations must be safe for concurrent use. Stop and Close are
// idempotent and return nil when the stream is already stopped or closed.
type Stream interface {
	// Start begins invoking the stream callback.
	Start() error

	// Stop halts callbacks. The stream may be started again.
	Stop() error

	// Close stops the stream if needed and releases the device.
	Close() error

	// State reports the current lifecycle state.
	State() StreamState
}

// Backend opens device streams. Implementations wrap a platform audio API
// (PortAudio) or simulate one (mock).
type Backend interface {
	// OpenInput opens a capture stream that delivers buffers to cb. Returns an
	// error wrapping [ErrDeviceUnavailable] if no input device can be used.
	OpenInput(cfg StreamConfig, cb InputCallback) (Stream, error)

	// OpenOutput opens a playback stream that pulls buffers from cb. Returns an
	// error wrapping [ErrDeviceUnavailable] if no output device can be used.
	OpenOutput(cfg StreamConfig, cb OutputCallback) (Stream, error)

	// Name identifies the backend in logs (e.g. "portaudio", "mock").
	Name() string
}
