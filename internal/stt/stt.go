// Package stt provides batch and streaming speech recognition clients.
package stt

import (
	"context"

	"github.com/Purple-Horizons/openclaw-voice/internal/audio"
)

// Transcript is one recognition result for the in-progress utterance.
// Partial results (Final false) are display-only; the conversation acts on
// finals. Confidence is 0 when the provider does not report one.
type Transcript struct {
	Text       string
	Confidence float64
	Final      bool
}

// EventKind discriminates updates arriving on a live recognition stream.
type EventKind int

const (
	KindTranscript EventKind = iota + 1
	KindSpeechStarted
	KindUtteranceEnd
)

// Event is one live recognition update. SpeechStarted and UtteranceEnd are
// provider voice-activity signals; Transcript events carry partial and
// final text.
type Event struct {
	Kind       EventKind
	Transcript Transcript
}

// Client transcribes a complete utterance in one call.
type Client interface {
	Transcribe(ctx context.Context, utt audio.Utterance) (Transcript, error)
}

// Stream is a live recognition session over one audio stream. Events stops
// delivering once Done is closed; Err reports why the stream ended, nil for
// a clean shutdown.
type Stream interface {
	Write(samples []float32) error
	Events() <-chan Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Streamer opens live recognition sessions.
type Streamer interface {
	OpenStream(ctx context.Context, sampleRate int) (Stream, error)
}
