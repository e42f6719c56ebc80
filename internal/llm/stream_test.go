package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func drainStream(t *testing.T, s Stream) string {
	t.Helper()
	var b strings.Builder
	for {
		delta, err := s.Recv()
		if err == io.EOF {
			return b.String()
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		b.WriteString(delta)
	}
}

func TestOpenAIStreamDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}

		var req struct {
			Stream      bool    `json:"stream"`
			MaxTokens   int     `json:"max_tokens"`
			Temperature float32 `json:"temperature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Fatal("expected a streaming request")
		}
		if req.MaxTokens != 500 {
			t.Fatalf("expected max_tokens 500, got %d", req.MaxTokens)
		}
		if req.Temperature < 0.69 || req.Temperature > 0.71 {
			t.Fatalf("expected temperature 0.7, got %v", req.Temperature)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo", " there."} {
			payload, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"created": 123,
				"model":   "gpt-4o-mini",
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": delta}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, err := NewClient("openai", "test-key", "gpt-4o-mini",
		WithBaseURL(server.URL+"/v1"), WithMaxTokens(500), WithTemperature(0.7))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	stream, err := client.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	if got := drainStream(t, stream); got != "Hello there." {
		t.Fatalf("expected concatenated deltas, got %q", got)
	}
}

func TestAnthropicStreamDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		events := []struct {
			event string
			data  string
		}{
			{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-20240620","content":[],"usage":{"input_tokens":1,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Good "}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"morning."}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.event, ev.data)
		}
	}))
	defer server.Close()

	client, err := newAnthropicClient("test-key", "claude-3-5-sonnet-20240620", &clientOptions{baseURL: server.URL})
	if err != nil {
		t.Fatalf("newAnthropicClient failed: %v", err)
	}

	stream, err := client.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	if got := drainStream(t, stream); got != "Good morning." {
		t.Fatalf("expected concatenated deltas, got %q", got)
	}
}

func TestGeminiStreamDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []map[string]any{
			{"candidates": []map[string]any{{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": "One. "}}}}}},
			{"candidates": []map[string]any{{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": "Two."}}}, "finishReason": "STOP"}}},
		}
		for _, chunk := range chunks {
			payload, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
	}))
	defer server.Close()

	client, err := newGeminiClient("test-key", "gemini-test", &clientOptions{baseURL: server.URL})
	if err != nil {
		t.Fatalf("newGeminiClient failed: %v", err)
	}

	stream, err := client.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	if got := drainStream(t, stream); got != "One. Two." {
		t.Fatalf("expected concatenated deltas, got %q", got)
	}
}

func TestGeminiStreamRequiresUserMessage(t *testing.T) {
	client, err := newGeminiClient("test-key", "gemini-test", &clientOptions{})
	if err != nil {
		t.Fatalf("newGeminiClient failed: %v", err)
	}

	if _, err := client.Stream(context.Background(), []Message{{Role: "system", Content: "x"}}); err == nil {
		t.Fatal("expected error without user message")
	}
}
