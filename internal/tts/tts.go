// Package tts synthesizes speech for response units.
package tts

import (
	"context"
	"sync"
)

// Stream is the audio for one synthesized unit: 16-bit little-endian PCM
// frames produced lazily. Frames closes when synthesis finishes; Err
// reports why a stream ended early, nil for normal completion.
type Stream interface {
	Frames() <-chan []byte
	Err() error
	Close() error
}

// Client turns one text unit into a frame stream. SampleRate is the rate of
// the PCM the client produces.
type Client interface {
	Synthesize(ctx context.Context, text string) (Stream, error)
	SampleRate() int
}

// frameStream is the shared stream implementation. A single producer
// goroutine pushes frames and closes the channel; the consumer may abandon
// the stream with Close at any point.
type frameStream struct {
	frames chan []byte
	done   chan struct{}
	stop   func()

	mu       sync.Mutex
	err      error
	doneOnce sync.Once
}

func newFrameStream(stop func()) *frameStream {
	return &frameStream{
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
		stop:   stop,
	}
}

func (s *frameStream) Frames() <-chan []byte { return s.frames }

func (s *frameStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream; frames not yet consumed are dropped.
func (s *frameStream) Close() error {
	s.finish(nil)
	s.stop()
	return nil
}

func (s *frameStream) push(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	case <-s.done:
		return false
	}
}

// finish ends the stream; the first caller decides the reported error.
func (s *frameStream) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *frameStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
