// Package audio defines the audio primitives shared by the capture and
// playback sides of a live voice session: floating-point frames, the wire
// encoding used to exchange them with a remote service, a device abstraction
// over input and output streams, and amplitude taps for level visualisation.
//
// Concrete device backends live in sub-packages (audio/portaudio for real
// hardware, audio/mock for tests).
package audio

import "time"

// Sample rates used by the live session. Capture runs at the rate the remote
// service expects for input; playback runs at the rate it produces.
const (
	CaptureSampleRate  = 16000
	PlaybackSampleRate = 24000
)

// AudioFrame is a block of mono or interleaved floating-point samples in the
// range [-1, 1]. Frames are ephemeral: produced per device callback or per
// decoded chunk and consumed immediately.
type AudioFrame struct {
	// Samples holds the PCM data. For Channels > 1 the samples are interleaved.
	Samples []float32

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks the frame's position relative to stream start.
	Timestamp time.Duration
}

// Len returns the number of sample frames (samples per channel).
func (f AudioFrame) Len() int {
	if f.Channels <= 1 {
		return len(f.Samples)
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback duration of the frame. Zero if the sample
// rate is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return SamplesToDuration(int64(f.Len()), f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// SamplesToDuration converts a sample count at rate into a duration.
func SamplesToDuration(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(rate))
}

// DurationToSamples converts d into a sample count at rate, rounding down.
func DurationToSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int64(d) * int64(rate) / int64(time.Second)
}
