package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Purple-Horizons/openclaw-voice/internal/audio"
)

// Whisper transcribes complete utterances through the OpenAI audio API or a
// compatible endpoint.
type Whisper struct {
	client *openai.Client
	model  string
}

func NewWhisper(apiKey, model, baseURL string) *Whisper {
	if model == "" {
		model = openai.Whisper1
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &Whisper{client: openai.NewClientWithConfig(config), model: model}
}

func (w *Whisper) Transcribe(ctx context.Context, utt audio.Utterance) (Transcript, error) {
	if len(utt.Samples) == 0 {
		return Transcript{Final: true}, nil
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(audio.WAVBytes(utt.Samples, utt.SampleRate)),
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("whisper transcription: %w", err)
	}

	return Transcript{Text: strings.TrimSpace(resp.Text), Final: true}, nil
}
