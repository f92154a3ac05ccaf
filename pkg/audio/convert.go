package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts decoded frames to a target mono sample rate. It
// logs a warning on the first rate mismatch so a misdeclared stream is
// visible without flooding the log on every chunk.
//
// Safe for concurrent use.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert returns frame at the target sample rate and channel count. If the
// source already matches, the frame is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := max(frame.Channels, 1)
	if frame.SampleRate == c.Target.SampleRate && channels == max(c.Target.Channels, 1) {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	samples := frame.Samples
	if channels > 1 {
		samples = Downmix(samples, channels)
	}
	if frame.SampleRate > 0 && frame.SampleRate != c.Target.SampleRate {
		samples = ResampleMono(samples, frame.SampleRate, c.Target.SampleRate)
	}

	return AudioFrame{
		Samples:    samples,
		SampleRate: c.Target.SampleRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}

// Downmix averages interleaved multi-channel samples into mono.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
