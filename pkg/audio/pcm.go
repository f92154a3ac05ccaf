package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedAudio is returned when an encoded chunk or raw PCM buffer
// cannot be decoded. It is never fatal to the pipeline; callers drop the
// chunk and log.
var ErrMalformedAudio = errors.New("audio: malformed pcm payload")

// pcmMIMEPrefix is the MIME tag prefix for raw 16-bit little-endian PCM.
const pcmMIMEPrefix = "audio/pcm"

// EncodedChunk is the transport-boundary representation of an audio frame:
// base64-wrapped 16-bit little-endian PCM plus a MIME-like tag declaring the
// sample rate (e.g. "audio/pcm;rate=16000"). Values are immutable.
type EncodedChunk struct {
	MIMEType string
	Data     string // base64-encoded
}

// PCMMIMEType returns the MIME tag for 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return pcmMIMEPrefix + ";rate=" + strconv.Itoa(rate)
}

// ParseRate extracts the "rate=" parameter from a MIME tag such as
// "audio/pcm;rate=24000". It reports false if the tag carries no valid rate.
func ParseRate(mimeType string) (int, bool) {
	for _, param := range strings.Split(mimeType, ";")[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(key, "rate") {
			continue
		}
		rate, err := strconv.Atoi(value)
		if err != nil || rate <= 0 {
			return 0, false
		}
		return rate, true
	}
	return 0, false
}

// EncodeFrame converts frame into an [EncodedChunk]. Each sample is scaled
// linearly from [-1, 1] to the full int16 range. Out-of-range input is
// clamped; NaN is encoded as silence.
func EncodeFrame(frame AudioFrame) EncodedChunk {
	return EncodedChunk{
		MIMEType: PCMMIMEType(frame.SampleRate),
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM16(frame.Samples)),
	}
}

// DecodeChunk unwraps the transport encoding of chunk and returns the raw
// 16-bit PCM bytes. No resampling is performed.
func DecodeChunk(chunk EncodedChunk) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	return pcm, nil
}

// DecodeToFrame reconstructs a mono [AudioFrame] from little-endian int16 PCM
// by the inverse linear scale. For channels > 1 the input is treated as
// interleaved and only the first channel is kept.
func DecodeToFrame(pcm []byte, sampleRate, channels int) (AudioFrame, error) {
	if channels <= 0 {
		channels = 1
	}
	stride := 2 * channels
	if len(pcm)%stride != 0 {
		return AudioFrame{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudio, len(pcm), stride)
	}
	n := len(pcm) / stride
	samples := make([]float32, n)
	for i := range n {
		off := i * stride
		s := int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8)
		samples[i] = float32(s) / 32768
	}
	return AudioFrame{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   1,
	}, nil
}

// FloatToPCM16 converts float samples to little-endian int16 PCM bytes.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		s := floatToInt16(f)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// floatToInt16 scales by 32768 to match the decode side exactly; the
// positive full-scale value clamps to MaxInt16.
func floatToInt16(f float32) int16 {
	v := math.Round(float64(f) * 32768)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
