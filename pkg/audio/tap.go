package audio

import (
	"math"
	"sync"
)

// defaultTapWindow is the number of most recent samples a [Tap] analyses.
const defaultTapWindow = 512

// Tap is a passive analysis node on an audio path. The capture pipeline feeds
// one with raw microphone samples and the playback scheduler feeds one with
// the final output mix, so a level visualiser can observe both without any
// control over the streams.
//
// Write is called from device callbacks; the query methods may be called
// from any goroutine. All methods are safe for concurrent use.
type Tap struct {
	mu   sync.Mutex
	ring []float32
	pos  int
	peak float32
}

// NewTap creates a Tap analysing the last window samples. A window <= 0
// selects the default of 512.
func NewTap(window int) *Tap {
	if window <= 0 {
		window = defaultTapWindow
	}
	return &Tap{ring: make([]float32, window)}
}

// Write appends samples to the analysis window.
func (t *Tap) Write(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var peak float32
	for _, s := range samples {
		t.ring[t.pos] = s
		t.pos = (t.pos + 1) % len(t.ring)
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	t.peak = peak
}

// Reset zeroes the analysis window.
func (t *Tap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.ring)
	t.pos = 0
	t.peak = 0
}

// Level returns the RMS amplitude of the analysis window in [0, 1].
func (t *Tap) Level() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum float64
	for _, s := range t.ring {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(t.ring)))
}

// Peak returns the absolute peak of the most recent write.
func (t *Tap) Peak() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.peak)
}

// FrequencyData returns bins normalised magnitudes covering 0 to Nyquist,
// computed with a Hann-windowed DFT over the analysis window. Intended for
// coarse visualisation (tens of bins), not spectral analysis.
func (t *Tap) FrequencyData(bins int) []float64 {
	if bins <= 0 {
		return nil
	}
	window := t.snapshot()
	n := len(window)
	out := make([]float64, bins)
	for b := range bins {
		// Bin centre mapped onto the first n/2 DFT frequencies.
		k := float64(b) * float64(n/2) / float64(bins)
		var re, im float64
		for i, s := range window {
			hann := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
			angle := 2 * math.Pi * k * float64(i) / float64(n)
			v := float64(s) * hann
			re += v * math.Cos(angle)
			im -= v * math.Sin(angle)
		}
		// A full-scale sine under a Hann window peaks at n/4.
		out[b] = min(math.Hypot(re, im)/(float64(n)/4), 1)
	}
	return out
}

// snapshot copies the window in chronological order.
func (t *Tap) snapshot() []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]float32, len(t.ring))
	n := copy(out, t.ring[t.pos:])
	copy(out[n:], t.ring[:t.pos])
	return out
}
