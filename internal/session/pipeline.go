package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Purple-Horizons/openclaw-voice/internal/audio"
	"github.com/Purple-Horizons/openclaw-voice/internal/llm"
	"github.com/Purple-Horizons/openclaw-voice/internal/respond"
)

// synthJob carries one unit's synthesis output to the emitter. The
// synthesizing goroutine closes frames and then reports exactly one value
// on errc, nil for a clean finish.
type synthJob struct {
	seq    int
	frames chan []byte
	errc   chan error
}

func newSynthJob(seq int) *synthJob {
	return &synthJob{
		seq:    seq,
		frames: make(chan []byte, 8),
		errc:   make(chan error, 1),
	}
}

// runTurnPipeline streams the agent reply, mirrors each unit's text to the
// client, and forwards synthesized audio strictly in unit order even when
// synthesis completes out of order. It returns the full concatenated reply
// and how many characters were sent to synthesis.
func (s *Session) runTurnPipeline(ctx context.Context, msgs []llm.Message) (string, int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.deps.LLM.Stream(ctx, msgs)
	if err != nil {
		return "", 0, fmt.Errorf("agent stream: %w", err)
	}
	defer stream.Close()

	// The jobs queue is the reorder window: the emitter drains it in FIFO
	// order, so a unit's audio waits until every earlier unit has been
	// sent. Capacity bounds how far synthesis runs ahead of delivery.
	jobs := make(chan *synthJob, s.cfg.MaxParallelSynth-1)
	emitErr := make(chan error, 1)
	go func() {
		emitErr <- s.emitAudio(ctx, cancel, jobs)
	}()

	splitter := respond.NewStreamer(s.cfg.MaxBufferedChars)
	var full strings.Builder
	var streamErr error
	synthChars := 0
	gotText := false

	for {
		frag, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}
		if frag == "" {
			continue
		}
		gotText = true
		full.WriteString(frag)
		n, ok := s.dispatchUnits(ctx, jobs, splitter.Add(frag))
		synthChars += n
		if !ok {
			break
		}
	}

	if streamErr == nil && !gotText && ctx.Err() == nil {
		// Some providers end the stream without a single fragment; fall
		// back to one non-streaming completion.
		text, err := s.deps.LLM.Complete(ctx, msgs)
		if err != nil {
			streamErr = fmt.Errorf("agent completion: %w", err)
		} else if text != "" {
			full.WriteString(text)
			n, _ := s.dispatchUnits(ctx, jobs, splitter.Add(text))
			synthChars += n
		}
	}

	if streamErr == nil {
		if last := splitter.Flush(); last.Text != "" {
			n, _ := s.dispatchUnits(ctx, jobs, []respond.Unit{last})
			synthChars += n
		}
	}

	close(jobs)
	eerr := <-emitErr

	// A synthesis failure cancels ctx, which surfaces in the producer as
	// a context error; the emitter's error is the real cause.
	if eerr != nil {
		return "", 0, eerr
	}
	if streamErr != nil {
		return "", 0, streamErr
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	return full.String(), synthChars, nil
}

// dispatchUnits mirrors units to the client and queues their synthesis in
// order. It reports how many characters went to synthesis and whether the
// turn is still running.
func (s *Session) dispatchUnits(ctx context.Context, jobs chan<- *synthJob, units []respond.Unit) (int, bool) {
	chars := 0
	for _, u := range units {
		if u.Text == "" {
			continue
		}
		s.sender.SendResponseChunk(u.Text)

		speech := respond.Clean(u.Text)
		if speech == "" {
			continue
		}
		job := newSynthJob(u.Seq)
		select {
		case jobs <- job:
		case <-ctx.Done():
			return chars, false
		}
		chars += len(speech)
		go s.synthesizeUnit(ctx, job, speech)
	}
	return chars, true
}

func (s *Session) synthesizeUnit(ctx context.Context, job *synthJob, text string) {
	defer close(job.frames)

	stream, err := s.deps.TTS.Synthesize(ctx, text)
	if err != nil {
		job.errc <- err
		return
	}
	defer stream.Close()

	srcRate := s.deps.TTS.SampleRate()
	for frame := range stream.Frames() {
		if srcRate != s.cfg.SampleRate {
			frame = audio.ResamplePCM16(frame, srcRate, s.cfg.SampleRate)
		}
		if len(frame) == 0 {
			continue
		}
		select {
		case job.frames <- frame:
		case <-ctx.Done():
			job.errc <- ctx.Err()
			return
		}
	}
	job.errc <- stream.Err()
}

// emitAudio forwards frames to the client one job at a time, preserving
// unit order. A failed unit cancels the turn so no later unit's audio is
// ever delivered after the gap.
func (s *Session) emitAudio(ctx context.Context, cancel context.CancelFunc, jobs <-chan *synthJob) error {
	for job := range jobs {
		for frame := range job.frames {
			s.sender.SendAudioChunk(frame, s.cfg.SampleRate)
		}
		if err := <-job.errc; err != nil {
			cancel()
			return fmt.Errorf("synthesis unit %d: %w", job.seq, err)
		}
	}
	return nil
}
