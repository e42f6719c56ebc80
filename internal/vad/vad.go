// Package vad decides utterance boundaries from raw audio.
package vad

import (
	"time"

	"github.com/Purple-Horizons/openclaw-voice/internal/audio"
)

// Event is a turn boundary signal.
type Event int

const (
	None Event = iota
	SpeechStarted
	SpeechStopped
)

func (e Event) String() string {
	switch e {
	case SpeechStarted:
		return "speech_started"
	case SpeechStopped:
		return "speech_stopped"
	default:
		return "none"
	}
}

// Detector observes audio chunks and reports boundary events. A session
// runs either a local detector or relies on provider events, never both.
type Detector interface {
	Observe(samples []float32) Event
	Speaking() bool
	Reset()
}

// Config tunes the local energy detector.
type Config struct {
	// EnergyThreshold is the RMS level above which a chunk counts as speech.
	EnergyThreshold float64
	// Hangover is how much consecutive silence must follow speech before
	// the turn ends. Pauses shorter than this stay inside the utterance.
	Hangover time.Duration
}

// DefaultConfig returns the thresholds tuned for browser microphone input.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold: 0.008,
		Hangover:        900 * time.Millisecond,
	}
}

// EnergyDetector is the local strategy: RMS energy per chunk with a
// hangover counter. Time is derived from sample counts, so detection is
// deterministic for a given chunk sequence.
type EnergyDetector struct {
	cfg    Config
	format audio.Format

	speaking bool
	silence  time.Duration
}

func NewEnergyDetector(cfg Config, sampleRate int) *EnergyDetector {
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = DefaultConfig().EnergyThreshold
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = DefaultConfig().Hangover
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return &EnergyDetector{cfg: cfg, format: audio.Format{SampleRate: sampleRate}}
}

// Observe classifies one chunk and advances the boundary state machine.
func (d *EnergyDetector) Observe(samples []float32) Event {
	if len(samples) == 0 {
		return None
	}

	if audio.RMS(samples) >= d.cfg.EnergyThreshold {
		d.silence = 0
		if !d.speaking {
			d.speaking = true
			return SpeechStarted
		}
		return None
	}

	if !d.speaking {
		return None
	}

	d.silence += d.format.Duration(len(samples))
	if d.silence >= d.cfg.Hangover {
		d.speaking = false
		d.silence = 0
		return SpeechStopped
	}
	return None
}

// Speaking reports whether the detector is inside an utterance.
func (d *EnergyDetector) Speaking() bool {
	return d.speaking
}

// Reset clears detector state between turns.
func (d *EnergyDetector) Reset() {
	d.speaking = false
	d.silence = 0
}
