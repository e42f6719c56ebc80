package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAISynthesize(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x10, 0x20}, 5200)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}

		var req struct {
			Model          string `json:"model"`
			Input          string `json:"input"`
			Voice          string `json:"voice"`
			ResponseFormat string `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "tts-1" || req.Voice != "alloy" {
			t.Fatalf("unexpected model/voice: %+v", req)
		}
		if req.Input != "Good morning." {
			t.Fatalf("input = %q", req.Input)
		}
		if req.ResponseFormat != "pcm" {
			t.Fatalf("response_format = %q", req.ResponseFormat)
		}

		_, _ = w.Write(pcm)
	}))
	defer server.Close()

	client := NewOpenAI("test-key", "", "", server.URL+"/v1")
	if client.SampleRate() != 24000 {
		t.Fatalf("sample rate = %d", client.SampleRate())
	}

	stream, err := client.Synthesize(context.Background(), "Good morning.")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	defer stream.Close()

	var frames [][]byte
	var got []byte
	for frame := range stream.Frames() {
		frames = append(frames, frame)
		got = append(got, frame...)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if !bytes.Equal(got, pcm) {
		t.Fatalf("audio mismatch: got %d bytes, want %d", len(got), len(pcm))
	}
	// 10400 bytes arrive as two full frames and a remainder.
	if len(frames) != 3 || len(frames[0]) != openaiFrameBytes || len(frames[2]) != 800 {
		sizes := make([]int, len(frames))
		for i, f := range frames {
			sizes[i] = len(f)
		}
		t.Fatalf("frame sizes = %v", sizes)
	}
}

func TestOpenAISynthesizeUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "bad voice"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewOpenAI("test-key", "", "", server.URL+"/v1")
	if _, err := client.Synthesize(context.Background(), "hi"); err == nil {
		t.Fatal("expected error from upstream failure")
	} else if !strings.Contains(err.Error(), "openai speech") {
		t.Fatalf("expected wrapped error, got %q", err.Error())
	}
}
