package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultSampleRate is the capture rate the wire protocol expects.
	DefaultSampleRate = 16000

	bytesPerFloat32 = 4
	bytesPerInt16   = 2
)

// Format describes mono PCM audio at a given sample rate.
type Format struct {
	SampleRate int
}

// Duration returns the playback time of n samples.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}

// Samples returns the sample count covering d.
func (f Format) Samples(d time.Duration) int {
	return int(d * time.Duration(f.SampleRate) / time.Second)
}

// DecodeBase64Float32 decodes the wire audio payload: base64 over
// little-endian float32 mono samples.
func DecodeBase64Float32(data string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return DecodeFloat32(raw)
}

// DecodeFloat32 converts little-endian float32 bytes to samples.
func DecodeFloat32(raw []byte) ([]float32, error) {
	if len(raw)%bytesPerFloat32 != 0 {
		return nil, fmt.Errorf("audio payload length %d is not a multiple of 4", len(raw))
	}

	samples := make([]float32, len(raw)/bytesPerFloat32)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(raw[i*bytesPerFloat32:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}

// EncodeFloat32 converts samples to little-endian float32 bytes.
func EncodeFloat32(samples []float32) []byte {
	raw := make([]byte, len(samples)*bytesPerFloat32)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*bytesPerFloat32:], math.Float32bits(s))
	}
	return raw
}

// Float32ToPCM16 converts samples to 16-bit little-endian PCM, clamping
// anything outside [-1, 1].
func Float32ToPCM16(samples []float32) []byte {
	raw := make([]byte, len(samples)*bytesPerInt16)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * math.MaxInt16)
		binary.LittleEndian.PutUint16(raw[i*bytesPerInt16:], uint16(v))
	}
	return raw
}

// PCM16ToFloat32 converts 16-bit little-endian PCM to samples. Odd trailing
// bytes are ignored.
func PCM16ToFloat32(raw []byte) []float32 {
	n := len(raw) / bytesPerInt16
	samples := make([]float32, n)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*bytesPerInt16:]))
		samples[i] = float32(v) / math.MaxInt16
	}
	return samples
}

// RMS returns the root-mean-square energy of the samples, 0 for empty input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Resample converts samples between rates by linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}

	outLen := int(int64(len(samples)) * int64(to) / int64(from))
	if outLen == 0 {
		return nil
	}

	out := make([]float32, outLen)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// ResamplePCM16 converts 16-bit little-endian PCM between rates by linear
// interpolation.
func ResamplePCM16(raw []byte, from, to int) []byte {
	if from == to {
		return raw
	}
	return Float32ToPCM16(Resample(PCM16ToFloat32(raw), from, to))
}

// WAVBytes wraps samples in a 16-bit mono WAV container, the shape batch
// transcription endpoints accept.
func WAVBytes(samples []float32, sampleRate int) []byte {
	pcm := Float32ToPCM16(samples)

	const headerLen = 44
	buf := make([]byte, headerLen+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*bytesPerInt16))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(bytesPerInt16))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[headerLen:], pcm)

	return buf
}
