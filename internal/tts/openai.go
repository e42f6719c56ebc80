package tts

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// The pcm response format is 24kHz 16-bit mono, delivered here in roughly
// 100ms frames.
const (
	openaiSampleRate = 24000
	openaiFrameBytes = 4800
)

// OpenAI synthesizes units through the speech endpoint or a compatible one.
type OpenAI struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
}

func NewOpenAI(apiKey, model, voice, baseURL string) *OpenAI {
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(config),
		model:  openai.SpeechModel(model),
		voice:  openai.SpeechVoice(voice),
	}
}

func (o *OpenAI) SampleRate() int { return openaiSampleRate }

func (o *OpenAI) Synthesize(ctx context.Context, text string) (Stream, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          o.model,
		Input:          text,
		Voice:          o.voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}

	s := newFrameStream(func() { _ = resp.Close() })
	go func() {
		defer close(s.frames)
		s.finish(readPCMBody(resp, s))
	}()
	return s, nil
}

func readPCMBody(r io.ReadCloser, s *frameStream) error {
	defer r.Close()

	for {
		frame := make([]byte, openaiFrameBytes)
		n, err := io.ReadFull(r, frame)
		if n > 0 {
			if !s.push(frame[:n]) {
				return nil
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			if s.closed() {
				return nil
			}
			return fmt.Errorf("openai speech read: %w", err)
		}
	}
}
