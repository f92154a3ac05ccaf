package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/livevoice/pkg/audio"
)

func TestDownmix(t *testing.T) {
	// Two stereo frames: L=0.2,R=0.4 and L=-0.2,R=-0.6
	got := audio.Downmix([]float32{0.2, 0.4, -0.2, -0.6}, 2)
	want := []float32{0.3, -0.4}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestDownmix_MonoPassthrough(t *testing.T) {
	in := []float32{0.1, 0.2}
	got := audio.Downmix(in, 1)
	if &got[0] != &in[0] {
		t.Error("mono input should be returned unchanged")
	}
}

func TestResampleMono(t *testing.T) {
	tests := []struct {
		name    string
		in      int
		src     int
		dst     int
		wantLen int
	}{
		{"upsample 16k to 24k", 160, 16000, 24000, 240},
		{"downsample 24k to 16k", 240, 24000, 16000, 160},
		{"same rate", 100, 24000, 24000, 100},
		{"zero src rate", 100, 0, 24000, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.ResampleMono(make([]float32, tt.in), tt.src, tt.dst)
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestResampleMono_LinearInterpolation(t *testing.T) {
	// Upsampling a ramp by 2x must produce midpoints between source samples.
	got := audio.ResampleMono([]float32{0, 1, 2, 3}, 8000, 16000)
	want := []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestFormatConverter_Passthrough(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	in := audio.AudioFrame{Samples: []float32{0.5}, SampleRate: 24000, Channels: 1}
	out := conv.Convert(in)
	if &out.Samples[0] != &in.Samples[0] {
		t.Error("matching format should not allocate")
	}
}

func TestFormatConverter_ResamplesAndDownmixes(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	in := audio.AudioFrame{
		Samples:    make([]float32, 320), // 160 stereo frames at 16 kHz
		SampleRate: 16000,
		Channels:   2,
	}
	out := conv.Convert(in)
	if out.SampleRate != 24000 || out.Channels != 1 {
		t.Errorf("format = %dHz/%dch, want 24000Hz/1ch", out.SampleRate, out.Channels)
	}
	if len(out.Samples) != 240 {
		t.Errorf("len = %d, want 240", len(out.Samples))
	}
}
