// Package g711 implements µ-law companding for the carrier's 8kHz audio
// leg, plus the sample-rate conversions the recognition path needs.
//
// Decode and encode are table/bit-exact G.711 µ-law. The carrier sends and
// expects 8-bit µ-law at 8kHz; the STT provider wants linear PCM16 at 16kHz.
package g711

const (
	// CarrierRate is the carrier's sample rate in Hz.
	CarrierRate = 8000

	// RecognitionRate is the sample rate the STT path runs at.
	RecognitionRate = 16000

	ulawBias = 0x84  // 132, added before segment search
	ulawClip = 32635 // max magnitude before encoding
)

// decodeTable maps each µ-law byte to its linear PCM16 value.
var decodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^uint8(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F

		sample := (int32(mantissa)<<3 + ulawBias) << exponent
		sample -= ulawBias

		if sign != 0 {
			sample = -sample
		}
		decodeTable[i] = int16(sample)
	}
}

// Decode expands a µ-law frame to linear PCM16 samples.
// Zero-length frames decode to an empty slice; Decode never fails.
func Decode(frame []byte) []int16 {
	pcm := make([]int16, len(frame))
	for i, b := range frame {
		pcm[i] = decodeTable[b]
	}
	return pcm
}

// DecodeWithGain expands a µ-law frame and applies a fixed linear gain,
// clamped to the int16 range. Phone audio is often quiet enough that a
// modest boost measurably improves recognition accuracy.
func DecodeWithGain(frame []byte, gain float64) []int16 {
	if gain == 0 || gain == 1.0 {
		return Decode(frame)
	}
	pcm := make([]int16, len(frame))
	for i, b := range frame {
		amplified := float64(decodeTable[b]) * gain
		switch {
		case amplified > 32767:
			pcm[i] = 32767
		case amplified < -32768:
			pcm[i] = -32768
		default:
			pcm[i] = int16(amplified)
		}
	}
	return pcm
}

// Encode compresses linear PCM16 samples to µ-law bytes.
func Encode(pcm []int16) []byte {
	frame := make([]byte, len(pcm))
	for i, s := range pcm {
		frame[i] = encodeSample(s)
	}
	return frame
}

// encodeSample compresses one sample: sign bit, 3-bit exponent (segment),
// 4-bit mantissa, all inverted on the wire.
func encodeSample(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// Upsample8to16 doubles the sample rate by duplicating each sample.
// Good enough for speech headed into a recognizer.
func Upsample8to16(pcm []int16) []int16 {
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// Downsample16to8 halves the sample rate by averaging sample pairs.
// Averaging rather than decimating keeps aliasing down on speech.
func Downsample16to8(pcm []int16) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		a := int32(pcm[i*2])
		b := int32(pcm[i*2+1])
		out[i] = int16((a + b) / 2)
	}
	return out
}

// Resample converts between arbitrary sample rates by linear
// interpolation. Used for provider audio that is neither 8kHz nor
// 16kHz, like 24kHz synthesis output.
func Resample(pcm []int16, fromRate, toRate int) []int16 {
	if fromRate <= 0 || toRate <= 0 || len(pcm) == 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}

	outLen := len(pcm) * toRate / fromRate
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(pcm[idx])
		b := float64(pcm[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
// A trailing odd byte is dropped.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}
