package stt

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/Purple-Horizons/openclaw-voice/internal/audio"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	stopped int
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeConn) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func newTestStream() (*deepgramStream, *fakeConn) {
	conn := &fakeConn{}
	return &deepgramStream{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}, conn
}

func messageFromJSON(t *testing.T, raw string) *api.MessageResponse {
	t.Helper()
	var msg api.MessageResponse
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal deepgram message failed: %v", err)
	}
	return &msg
}

func nextEvent(t *testing.T, s *deepgramStream) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestDeepgramCallbackTranscripts(t *testing.T) {
	s, _ := newTestStream()
	cb := deepgramCallback{stream: s}

	interim := messageFromJSON(t, `{
		"is_final": false,
		"channel": {"alternatives": [{"transcript": "  hello th  ", "confidence": 0.41}]}
	}`)
	if err := cb.Message(interim); err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	final := messageFromJSON(t, `{
		"is_final": true,
		"channel": {"alternatives": [{"transcript": "hello there", "confidence": 0.92}]}
	}`)
	if err := cb.Message(final); err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	ev := nextEvent(t, s)
	if ev.Kind != KindTranscript || ev.Transcript.Final {
		t.Fatalf("expected interim transcript event, got %+v", ev)
	}
	if ev.Transcript.Text != "hello th" {
		t.Errorf("expected trimmed text, got %q", ev.Transcript.Text)
	}

	ev = nextEvent(t, s)
	if !ev.Transcript.Final || ev.Transcript.Text != "hello there" {
		t.Fatalf("expected final transcript, got %+v", ev)
	}
	if ev.Transcript.Confidence != 0.92 {
		t.Errorf("confidence = %v", ev.Transcript.Confidence)
	}
}

func TestDeepgramCallbackIgnoresEmptyResults(t *testing.T) {
	s, _ := newTestStream()
	cb := deepgramCallback{stream: s}

	if err := cb.Message(messageFromJSON(t, `{"channel": {"alternatives": []}}`)); err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if err := cb.Message(messageFromJSON(t, `{"channel": {"alternatives": [{"transcript": "   "}]}}`)); err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	select {
	case ev := <-s.Events():
		t.Fatalf("expected no events, got %+v", ev)
	default:
	}
}

func TestDeepgramCallbackVADSignals(t *testing.T) {
	s, _ := newTestStream()
	cb := deepgramCallback{stream: s}

	if err := cb.SpeechStarted(&api.SpeechStartedResponse{}); err != nil {
		t.Fatalf("SpeechStarted failed: %v", err)
	}
	if err := cb.UtteranceEnd(&api.UtteranceEndResponse{}); err != nil {
		t.Fatalf("UtteranceEnd failed: %v", err)
	}

	if ev := nextEvent(t, s); ev.Kind != KindSpeechStarted {
		t.Fatalf("expected speech started, got %+v", ev)
	}
	if ev := nextEvent(t, s); ev.Kind != KindUtteranceEnd {
		t.Fatalf("expected utterance end, got %+v", ev)
	}
}

func TestDeepgramStreamErrorClosesDone(t *testing.T) {
	s, _ := newTestStream()
	cb := deepgramCallback{stream: s}

	if err := cb.Error(&api.ErrorResponse{ErrCode: "1011", Description: "boom"}); err != nil {
		t.Fatalf("Error callback failed: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close on provider error")
	}

	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected provider error, got %v", err)
	}

	// A later clean close must not clear the recorded error.
	if err := cb.Close(&api.CloseResponse{}); err != nil {
		t.Fatalf("Close callback failed: %v", err)
	}
	if err := s.Err(); err == nil {
		t.Fatal("expected error to survive close")
	}
}

func TestDeepgramStreamClose(t *testing.T) {
	s, conn := newTestStream()

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	conn.mu.Lock()
	stopped := conn.stopped
	conn.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("expected Stop once, got %d", stopped)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	// Late events are dropped without blocking.
	done := make(chan struct{})
	go func() {
		s.push(Event{Kind: KindSpeechStarted})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked after close")
	}
}

func TestDeepgramStreamWriteEncodesPCM16(t *testing.T) {
	s, conn := newTestStream()

	samples := []float32{0, 0.5, -0.5, 1}
	if err := s.Write(samples); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.writes) != 1 {
		t.Fatalf("expected one write, got %d", len(conn.writes))
	}
	if want := audio.Float32ToPCM16(samples); !bytes.Equal(conn.writes[0], want) {
		t.Fatalf("wire bytes = %v, want %v", conn.writes[0], want)
	}
}
