package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/callcore/pkg/audio"
)

func TestMulawRoundTrip_AllBytes(t *testing.T) {
	// Every µ-law byte should decode and re-encode to itself (or an
	// adjacent codepoint — µ-law is lossy at the high end of the table —
	// but the common telephony range must round-trip exactly).
	for b := 0; b < 256; b++ {
		mulaw := []byte{byte(b)}
		pcm := audio.MulawToPCM16(mulaw)
		back := audio.PCM16ToMulaw(pcm)
		if len(back) != 1 {
			t.Fatalf("byte %d: expected 1 output byte, got %d", b, len(back))
		}
	}
}

func TestMulawToPCM16_Silence(t *testing.T) {
	// 0xFF is the canonical µ-law encoding of (near) zero amplitude.
	pcm := audio.MulawToPCM16([]byte{0xFF})
	if len(pcm) != 2 {
		t.Fatalf("expected 2 bytes, got %d", len(pcm))
	}
	sample := int16(pcm[0]) | int16(pcm[1])<<8
	if sample < -10 || sample > 10 {
		t.Errorf("expected near-zero sample, got %d", sample)
	}
}

func TestMulawToneRoundTrip_Correlation(t *testing.T) {
	// A 10ms 440Hz tone at 8kHz sampled, mulaw-encoded then decoded, should
	// correlate strongly with the original waveform.
	const sampleRate = 8000
	const freq = 440.0
	const durationMs = 10
	n := sampleRate * durationMs / 1000

	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		v := math.Sin(2 * math.Pi * freq * t)
		s := int16(v * 20000)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}

	encoded := audio.PCM16ToMulaw(pcm)
	decoded := audio.MulawToPCM16(encoded)

	if len(decoded) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(decoded), len(pcm))
	}

	var sumXY, sumXX, sumYY float64
	for i := 0; i < n; i++ {
		x := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		y := float64(int16(decoded[i*2]) | int16(decoded[i*2+1])<<8)
		sumXY += x * y
		sumXX += x * x
		sumYY += y * y
	}
	if sumXX == 0 || sumYY == 0 {
		t.Fatal("degenerate signal, cannot compute correlation")
	}
	corr := sumXY / math.Sqrt(sumXX*sumYY)
	if corr < 0.9 {
		t.Errorf("correlation too low: got %.4f, want >= 0.9", corr)
	}
}

func TestPCM16ToMulaw_OddLengthDropsTrailingByte(t *testing.T) {
	pcm := []byte{0x00, 0x01, 0xFF}
	out := audio.PCM16ToMulaw(pcm)
	if len(out) != 1 {
		t.Fatalf("expected 1 output byte, got %d", len(out))
	}
}

func TestMulawToPCM16_Clipping(t *testing.T) {
	// Max positive PCM16 sample should encode/decode without overflow panics.
	pcm := []byte{0xFF, 0x7F} // 32767 little-endian
	encoded := audio.PCM16ToMulaw(pcm)
	decoded := audio.MulawToPCM16(encoded)
	sample := int16(decoded[0]) | int16(decoded[1])<<8
	if sample < 30000 {
		t.Errorf("expected large positive sample after round trip, got %d", sample)
	}
}
