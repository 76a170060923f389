package g711_test

import (
	"testing"

	"github.com/voxfront/voxfront/pkg/g711"
)

func TestRoundTripFullRange(t *testing.T) {
	// Sweep the full amplitude range; every sample must reconstruct within
	// the codec's quantization tolerance.
	for s := -32768; s <= 32767; s += 7 {
		sample := int16(s)
		decoded := g711.Decode(g711.Encode([]int16{sample}))
		if len(decoded) != 1 {
			t.Fatalf("expected 1 sample, got %d", len(decoded))
		}

		diff := int32(decoded[0]) - int32(sample)
		if diff < 0 {
			diff = -diff
		}
		// The widest segment quantizes in steps of 1024, and encoding
		// clips at ±32635, so the worst case sits just under 650.
		if diff > 650 {
			t.Fatalf("sample %d decoded to %d (diff %d)", sample, decoded[0], diff)
		}
	}
}

func TestRoundTripSmallAmplitudes(t *testing.T) {
	// Small amplitudes sit in the fine-grained segments and must round-trip
	// tightly.
	for s := int16(-500); s <= 500; s++ {
		decoded := g711.Decode(g711.Encode([]int16{s}))
		diff := int32(decoded[0]) - int32(s)
		if diff < 0 {
			diff = -diff
		}
		if diff > 16 {
			t.Fatalf("sample %d decoded to %d (diff %d)", s, decoded[0], diff)
		}
	}
}

func TestKnownValues(t *testing.T) {
	tests := []struct {
		name   string
		sample int16
		want   byte
	}{
		{"zero", 0, 0xFF},
		{"max positive", 32635, 0x80},
		{"max negative", -32635, 0x00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g711.Encode([]int16{tt.sample})[0]
			if got != tt.want {
				t.Errorf("encode(%d) = 0x%02X, want 0x%02X", tt.sample, got, tt.want)
			}
		})
	}
}

func TestDecodeEmpty(t *testing.T) {
	if got := g711.Decode(nil); len(got) != 0 {
		t.Errorf("expected empty, got %d samples", len(got))
	}
	if got := g711.Encode(nil); len(got) != 0 {
		t.Errorf("expected empty, got %d bytes", len(got))
	}
}

func TestDecodeWithGain(t *testing.T) {
	frame := g711.Encode([]int16{1000, -1000})

	t.Run("gain amplifies", func(t *testing.T) {
		plain := g711.Decode(frame)
		boosted := g711.DecodeWithGain(frame, 2.0)
		for i := range plain {
			want := int32(plain[i]) * 2
			if int32(boosted[i]) != want {
				t.Errorf("sample %d: got %d, want %d", i, boosted[i], want)
			}
		}
	})

	t.Run("gain clamps at int16 range", func(t *testing.T) {
		loud := g711.Encode([]int16{30000, -30000})
		boosted := g711.DecodeWithGain(loud, 4.0)
		if boosted[0] != 32767 {
			t.Errorf("expected clamp to 32767, got %d", boosted[0])
		}
		if boosted[1] != -32768 {
			t.Errorf("expected clamp to -32768, got %d", boosted[1])
		}
	})

	t.Run("unit gain is identity", func(t *testing.T) {
		a := g711.Decode(frame)
		b := g711.DecodeWithGain(frame, 1.0)
		for i := range a {
			if a[i] != b[i] {
				t.Errorf("sample %d differs: %d vs %d", i, a[i], b[i])
			}
		}
	})
}

func TestUpsample8to16(t *testing.T) {
	in := []int16{1, 2, 3}
	out := g711.Upsample8to16(in)
	want := []int16{1, 1, 2, 2, 3, 3}
	if len(out) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestDownsample16to8(t *testing.T) {
	in := []int16{0, 10, 20, 30, -5, 5}
	out := g711.Downsample16to8(in)
	want := []int16{5, 25, 0}
	if len(out) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResampleRoundTripLength(t *testing.T) {
	in := make([]int16, 160) // one 20ms carrier frame
	out := g711.Downsample16to8(g711.Upsample8to16(in))
	if len(out) != len(in) {
		t.Errorf("expected %d samples after round trip, got %d", len(in), len(out))
	}
}

func TestResample(t *testing.T) {
	t.Run("24k to 8k thirds the length", func(t *testing.T) {
		in := make([]int16, 480) // 20ms at 24kHz
		out := g711.Resample(in, 24000, 8000)
		if len(out) != 160 {
			t.Errorf("expected 160 samples, got %d", len(out))
		}
	})

	t.Run("same rate copies", func(t *testing.T) {
		in := []int16{1, 2, 3}
		out := g711.Resample(in, 8000, 8000)
		if len(out) != 3 || out[2] != 3 {
			t.Errorf("unexpected output %v", out)
		}
		out[0] = 99
		if in[0] != 1 {
			t.Error("output aliases input")
		}
	})

	t.Run("interpolates between samples", func(t *testing.T) {
		// Doubling the rate of a ramp should fill the midpoints.
		in := []int16{0, 100}
		out := g711.Resample(in, 8000, 16000)
		if len(out) != 4 {
			t.Fatalf("expected 4 samples, got %d", len(out))
		}
		if out[1] != 50 {
			t.Errorf("expected midpoint 50, got %d", out[1])
		}
	})

	t.Run("degenerate input", func(t *testing.T) {
		if out := g711.Resample(nil, 24000, 8000); out != nil {
			t.Errorf("expected nil for empty input, got %v", out)
		}
		if out := g711.Resample([]int16{1}, 0, 8000); out != nil {
			t.Errorf("expected nil for zero rate, got %v", out)
		}
	})
}

func TestByteConversion(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	round := g711.BytesToSamples(g711.SamplesToBytes(samples))
	if len(round) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(round))
	}
	for i := range samples {
		if round[i] != samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, round[i], samples[i])
		}
	}

	// Odd trailing byte is dropped, not panicked on.
	if got := g711.BytesToSamples([]byte{0x01, 0x02, 0x03}); len(got) != 1 {
		t.Errorf("expected 1 sample from 3 bytes, got %d", len(got))
	}
}
