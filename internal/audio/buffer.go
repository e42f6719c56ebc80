package audio

import "time"

// Chunk is one inbound slice of microphone samples. Immutable once received.
type Chunk struct {
	Samples []float32
	Seq     int
	Arrived time.Time
}

// Utterance is the contiguous audio drained from a Buffer for one turn.
type Utterance struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback time of the utterance.
func (u Utterance) Duration() time.Duration {
	return Format{SampleRate: u.SampleRate}.Duration(len(u.Samples))
}

// Buffer accumulates chunks for the current utterance. It is owned by the
// session loop and is not safe for concurrent use.
type Buffer struct {
	sampleRate  int
	maxDuration time.Duration
	samples     []float32
	dropped     int
}

// NewBuffer returns a buffer that refuses chunks once maxDuration of audio
// is held. maxDuration <= 0 means unbounded.
func NewBuffer(sampleRate int, maxDuration time.Duration) *Buffer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Buffer{sampleRate: sampleRate, maxDuration: maxDuration}
}

// Append stores a chunk in arrival order. When the buffered duration would
// exceed the configured maximum, the incoming chunk is discarded, the
// dropped counter is incremented, and Append returns false.
func (b *Buffer) Append(c Chunk) bool {
	if len(c.Samples) == 0 {
		return true
	}

	if b.maxDuration > 0 {
		next := Format{SampleRate: b.sampleRate}.Duration(len(b.samples) + len(c.Samples))
		if next > b.maxDuration {
			b.dropped++
			return false
		}
	}

	b.samples = append(b.samples, c.Samples...)
	return true
}

// Duration returns the playback time of the buffered audio.
func (b *Buffer) Duration() time.Duration {
	return Format{SampleRate: b.sampleRate}.Duration(len(b.samples))
}

// Len returns the buffered sample count.
func (b *Buffer) Len() int {
	return len(b.samples)
}

// Dropped returns how many chunks have been discarded since the last Reset.
func (b *Buffer) Dropped() int {
	return b.dropped
}

// Drain returns all buffered samples as one contiguous utterance and clears
// the buffer.
func (b *Buffer) Drain() Utterance {
	u := Utterance{Samples: b.samples, SampleRate: b.sampleRate}
	b.samples = nil
	b.dropped = 0
	return u
}

// Reset discards buffered audio without producing an utterance.
func (b *Buffer) Reset() {
	b.samples = nil
	b.dropped = 0
}
