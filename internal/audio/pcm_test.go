package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	f := Format{SampleRate: 16000}

	if got := f.Duration(16000); got != time.Second {
		t.Fatalf("expected 1s for 16000 samples, got %s", got)
	}
	if got := f.Duration(8000); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms for 8000 samples, got %s", got)
	}
	if got := f.Samples(250 * time.Millisecond); got != 4000 {
		t.Fatalf("expected 4000 samples for 250ms, got %d", got)
	}
}

func TestDecodeBase64Float32(t *testing.T) {
	want := []float32{0, 0.5, -0.5, 1}
	raw := EncodeFloat32(want)

	got, err := DecodeBase64Float32(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("DecodeBase64Float32 failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestDecodeFloat32RejectsRaggedPayload(t *testing.T) {
	if _, err := DecodeFloat32([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for payload not divisible by 4")
	}
}

func TestFloat32ToPCM16Clamps(t *testing.T) {
	raw := Float32ToPCM16([]float32{2.0, -2.0})

	hi := int16(binary.LittleEndian.Uint16(raw[0:2]))
	lo := int16(binary.LittleEndian.Uint16(raw[2:4]))
	if hi != math.MaxInt16 {
		t.Fatalf("expected clamp to %d, got %d", math.MaxInt16, hi)
	}
	if lo != -math.MaxInt16 {
		t.Fatalf("expected clamp to %d, got %d", -math.MaxInt16, lo)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("expected 0 for empty input, got %f", got)
	}

	// A constant-amplitude signal has RMS equal to its amplitude.
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.25
	}
	if got := RMS(samples); math.Abs(got-0.25) > 1e-6 {
		t.Fatalf("expected RMS 0.25, got %f", got)
	}
}

func TestResampleHalvesSampleCount(t *testing.T) {
	in := make([]float32, 2400)
	for i := range in {
		in[i] = float32(i) / float32(len(in))
	}

	out := Resample(in, 24000, 16000)
	if len(out) != 1600 {
		t.Fatalf("expected 1600 samples, got %d", len(out))
	}
	if out[0] != in[0] {
		t.Fatalf("expected first sample preserved, got %f", out[0])
	}
	// Interpolated samples stay within the source range.
	for i, s := range out {
		if s < 0 || s > 1 {
			t.Fatalf("sample %d out of range: %f", i, s)
		}
	}
}

func TestResampleIdentity(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := Resample(in, 16000, 16000)
	if len(out) != 3 || out[1] != 0.2 {
		t.Fatalf("expected passthrough at equal rates, got %v", out)
	}
}

func TestWAVBytesHeader(t *testing.T) {
	samples := make([]float32, 160)
	wav := WAVBytes(samples, 16000)

	if len(wav) != 44+320 {
		t.Fatalf("expected 364 bytes, got %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad container magic: %q %q", wav[0:4], wav[8:12])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Fatalf("expected sample rate 16000, got %d", rate)
	}
	if bits := binary.LittleEndian.Uint16(wav[34:36]); bits != 16 {
		t.Fatalf("expected 16-bit, got %d", bits)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); size != 320 {
		t.Fatalf("expected data size 320, got %d", size)
	}
}
