package stt

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/Purple-Horizons/openclaw-voice/internal/audio"
)

// DeepgramConfig carries live transcription settings. Zero values fall back
// to nova-2, en-US, and a 1000ms utterance end.
type DeepgramConfig struct {
	APIKey         string
	Model          string
	Language       string
	UtteranceEndMs int
}

// Deepgram opens live recognition streams with provider-side voice activity
// events enabled, so sessions using it skip local energy detection.
type Deepgram struct {
	cfg DeepgramConfig
}

var deepgramInitOnce sync.Once

func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.UtteranceEndMs <= 0 {
		cfg.UtteranceEndMs = 1000
	}

	deepgramInitOnce.Do(func() {
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
	})

	return &Deepgram{cfg: cfg}
}

// ProviderVAD reports that speech start/stop signals come from the provider.
func (d *Deepgram) ProviderVAD() bool { return true }

func (d *Deepgram) OpenStream(ctx context.Context, sampleRate int) (Stream, error) {
	s := &deepgramStream{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Punctuate:      true,
		SmartFormat:    true,
		Encoding:       "linear16",
		SampleRate:     sampleRate,
		Channels:       1,
		InterimResults: true,
		VadEvents:      true,
		UtteranceEndMs: strconv.Itoa(d.cfg.UtteranceEndMs),
	}

	conn, err := client.NewWSUsingCallback(ctx, d.cfg.APIKey, cOptions, tOptions, deepgramCallback{stream: s})
	if err != nil {
		return nil, fmt.Errorf("deepgram client: %w", err)
	}
	if ok := conn.Connect(); !ok {
		return nil, fmt.Errorf("deepgram connect failed")
	}

	s.conn = conn
	return s, nil
}

// liveConn is the slice of the Deepgram websocket client the stream uses.
type liveConn interface {
	Write(p []byte) (int, error)
	Stop()
}

type deepgramStream struct {
	conn   liveConn
	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	err      error
	doneOnce sync.Once
}

func (s *deepgramStream) Write(samples []float32) error {
	if _, err := s.conn.Write(audio.Float32ToPCM16(samples)); err != nil {
		return fmt.Errorf("deepgram write: %w", err)
	}
	return nil
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Done() <-chan struct{} { return s.done }

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close disconnects from the provider. Events still queued are dropped.
func (s *deepgramStream) Close() error {
	s.conn.Stop()
	s.finish(nil)
	return nil
}

func (s *deepgramStream) push(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// finish ends the stream; the first caller decides the reported error.
func (s *deepgramStream) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// deepgramCallback adapts SDK callbacks onto the stream's event channel.
// The SDK invokes these serially from its read loop.
type deepgramCallback struct {
	stream *deepgramStream
}

func (c deepgramCallback) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}

	alt := mr.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return nil
	}

	c.stream.push(Event{Kind: KindTranscript, Transcript: Transcript{
		Text:       text,
		Confidence: alt.Confidence,
		Final:      mr.IsFinal,
	}})
	return nil
}

func (c deepgramCallback) Open(*api.OpenResponse) error {
	log.Println("connected to Deepgram")
	return nil
}

func (c deepgramCallback) Metadata(*api.MetadataResponse) error { return nil }

func (c deepgramCallback) SpeechStarted(*api.SpeechStartedResponse) error {
	c.stream.push(Event{Kind: KindSpeechStarted})
	return nil
}

func (c deepgramCallback) UtteranceEnd(*api.UtteranceEndResponse) error {
	c.stream.push(Event{Kind: KindUtteranceEnd})
	return nil
}

func (c deepgramCallback) Close(*api.CloseResponse) error {
	c.stream.finish(nil)
	return nil
}

func (c deepgramCallback) Error(er *api.ErrorResponse) error {
	c.stream.finish(fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.Description))
	return nil
}

func (c deepgramCallback) UnhandledEvent([]byte) error { return nil }
