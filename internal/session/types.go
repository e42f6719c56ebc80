package session

import (
	"context"
	"time"

	"github.com/Purple-Horizons/openclaw-voice/internal/llm"
	"github.com/Purple-Horizons/openclaw-voice/internal/respond"
	"github.com/Purple-Horizons/openclaw-voice/internal/stt"
	"github.com/Purple-Horizons/openclaw-voice/internal/tts"
	"github.com/Purple-Horizons/openclaw-voice/internal/vad"
)

// Sender delivers protocol events to one client connection. Implementations
// must be safe for concurrent use and must stop blocking once the
// connection is gone.
type Sender interface {
	SendListeningStarted()
	SendListeningStopped()
	SendVADStatus(speechDetected bool, event string)
	SendTranscript(text string, final bool)
	SendResponseChunk(text string)
	SendAudioChunk(pcm []byte, sampleRate int)
	SendResponseComplete(text string)
	SendError(code Code, message string)
}

// Turn is one completed exchange, handed to storage after the response
// finishes.
type Turn struct {
	SessionID  string
	StartedAt  time.Time
	UserText   string
	ReplyText  string
	Utterance  time.Duration
	Elapsed    time.Duration
	SynthChars int
}

// TurnStore persists completed turns.
type TurnStore interface {
	SaveTurn(ctx context.Context, t Turn) error
}

// UsageMeter accounts audio submitted for transcription against the
// connection's API key.
type UsageMeter interface {
	AddAudio(d time.Duration)
}

// Deps are the collaborators a session drives. Live selects the
// provider-VAD strategy and takes precedence over Transcriber; exactly one
// of the two must be set.
type Deps struct {
	Transcriber stt.Client
	Live        stt.Streamer
	LLM         llm.Client
	TTS         tts.Client
	Store       TurnStore
	Meter       UsageMeter
}

// Config tunes one session. Zero values fall back to defaults.
type Config struct {
	SystemPrompt string

	// SampleRate is the inbound microphone rate and the outbound frame
	// rate; synthesized audio is resampled to it.
	SampleRate int

	// HistoryLimit bounds how many prior messages accompany each agent
	// call.
	HistoryLimit int

	// MinUtterance discards detector blips shorter than this without
	// requesting a transcript.
	MinUtterance time.Duration

	// MaxUtterance bounds buffered audio; chunks past it are dropped.
	MaxUtterance time.Duration

	// MaxBufferedChars forces a response unit out when no sentence
	// boundary appears.
	MaxBufferedChars int

	// MaxParallelSynth bounds how many units synthesize concurrently.
	// Delivery order is unaffected.
	MaxParallelSynth int

	STTTimeout      time.Duration
	ResponseTimeout time.Duration

	// FlushWait is how long a manual stop waits for trailing provider
	// transcripts before acting on what arrived.
	FlushWait time.Duration

	VAD vad.Config
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.MinUtterance <= 0 {
		c.MinUtterance = 300 * time.Millisecond
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 30 * time.Second
	}
	if c.MaxBufferedChars <= 0 {
		c.MaxBufferedChars = respond.DefaultMaxBuffered
	}
	if c.MaxParallelSynth <= 0 {
		c.MaxParallelSynth = 1
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = 15 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 2 * time.Minute
	}
	if c.FlushWait <= 0 {
		c.FlushWait = 2 * time.Second
	}
	return c
}
