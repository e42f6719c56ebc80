package session

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

func runTurn(t *testing.T, f *fixture) {
	t.Helper()
	f.sess.Start(false)
	f.sender.waitFor(t, "listening_started")
	for i := 0; i < 5; i++ {
		f.sess.Audio(speechChunk())
	}
	f.sess.Stop()
}

func joinedAudio(events []senderEvent) string {
	var buf bytes.Buffer
	for _, ev := range kindsOf(events, "audio_chunk") {
		buf.Write(ev.pcm)
	}
	return buf.String()
}

func TestOrderedDeliveryUnderParallelSynthesis(t *testing.T) {
	delays := map[string]time.Duration{
		"One banana.":    150 * time.Millisecond,
		"Two bananas.":   10 * time.Millisecond,
		"Three bananas.": 80 * time.Millisecond,
		"Four.":          time.Millisecond,
	}

	var mu sync.Mutex
	var callTimes []time.Time

	f := newFixture(t, func(d *Deps, c *Config) {
		c.MaxParallelSynth = 3
	})
	f.agent.fragments = []string{"One banana. Two ", "bananas. Three bananas. ", "Four."}
	f.voice.delay = func(text string) time.Duration {
		mu.Lock()
		callTimes = append(callTimes, time.Now())
		mu.Unlock()
		return delays[text]
	}

	runTurn(t, f)
	f.sender.waitFor(t, "response_complete")

	events := f.sender.all()
	if got := joinedAudio(events); got != "One banana.Two bananas.Three bananas.Four." {
		t.Fatalf("audio out of order: %q", got)
	}
	want := []string{"One banana.", "Two bananas.", "Three bananas.", "Four."}
	if got := f.voice.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("synthesis requests = %v", got)
	}

	// Three units were requested almost at once; sequential synthesis
	// would space them by the first unit's 150ms latency.
	mu.Lock()
	spread := callTimes[2].Sub(callTimes[0])
	mu.Unlock()
	if spread > 100*time.Millisecond {
		t.Fatalf("third synthesis started %v after first; expected concurrent dispatch", spread)
	}
}

func TestOrderedDeliveryRandomizedLatencies(t *testing.T) {
	const units = 12
	var fragments []string
	var want strings.Builder
	for i := 1; i <= units; i++ {
		fragments = append(fragments, fmt.Sprintf("Take %d. ", i))
		fmt.Fprintf(&want, "Take %d.", i)
	}

	f := newFixture(t, func(d *Deps, c *Config) {
		c.MaxParallelSynth = 4
	})
	f.agent.fragments = fragments
	f.voice.delay = func(string) time.Duration {
		return time.Duration(rand.Intn(40)) * time.Millisecond
	}

	runTurn(t, f)
	f.sender.waitFor(t, "response_complete")

	if got := joinedAudio(f.sender.all()); got != want.String() {
		t.Fatalf("audio out of order:\n got %q\nwant %q", got, want.String())
	}
}

func TestSynthesisFailureStopsLaterUnits(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.fragments = []string{"Alpha beat. Bravo beat. ", "Charlie done."}
	f.voice.script = func(text string) ([][]byte, error) {
		if text == "Bravo beat." {
			return [][]byte{[]byte("Bravo ")}, errors.New("tts dropped connection")
		}
		return [][]byte{[]byte(text)}, nil
	}

	runTurn(t, f)

	ev := f.sender.waitFor(t, "error")
	if ev.code != CodeProviderError {
		t.Fatalf("error code = %s, want %s", ev.code, CodeProviderError)
	}
	if !strings.Contains(ev.text, "synthesis unit 2") {
		t.Fatalf("error message = %q", ev.text)
	}
	waitState(t, f.sess, StateIdle)

	events := f.sender.all()
	if got := joinedAudio(events); got != "Alpha beat.Bravo " {
		t.Fatalf("audio after failure = %q", got)
	}
	if n := len(kindsOf(events, "response_complete")); n != 0 {
		t.Fatalf("got %d response_complete events after failure, want 0", n)
	}
	if n := len(kindsOf(events, "listening_started")); n != 1 {
		t.Fatalf("got %d listening_started events, want only the initial one", n)
	}
	if got := f.voice.texts(); len(got) != 2 {
		t.Fatalf("synthesis requests = %v, want first two units only", got)
	}
}

func TestEmptyStreamFallsBackToComplete(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.fragments = nil
	f.agent.completeText = "Fallback reply. Works."

	runTurn(t, f)
	complete := f.sender.waitFor(t, "response_complete")

	if complete.text != "Fallback reply. Works." {
		t.Fatalf("response_complete = %q", complete.text)
	}
	f.agent.mu.Lock()
	streams, completes := f.agent.streamCalls, f.agent.completeCalls
	f.agent.mu.Unlock()
	if streams != 1 || completes != 1 {
		t.Fatalf("stream calls = %d, complete calls = %d", streams, completes)
	}
	if got := joinedAudio(f.sender.all()); got != "Fallback reply.Works." {
		t.Fatalf("audio = %q", got)
	}
}

func TestAgentStreamFailureSurfaces(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.fragments = []string{"Partial thought about "}
	f.agent.streamErr = errors.New("rate limited")

	runTurn(t, f)

	ev := f.sender.waitFor(t, "error")
	if ev.code != CodeProviderError {
		t.Fatalf("error code = %s, want %s", ev.code, CodeProviderError)
	}
	waitState(t, f.sess, StateIdle)

	events := f.sender.all()
	if n := len(kindsOf(events, "response_complete")); n != 0 {
		t.Fatal("response_complete sent despite stream failure")
	}
	if n := len(kindsOf(events, "audio_chunk")); n != 0 {
		t.Fatal("audio sent despite stream failure")
	}
}

func TestContinuousModeRearmsAfterFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.fragments = []string{"Doomed reply. "}
	f.voice.script = func(text string) ([][]byte, error) {
		return nil, errors.New("tts down")
	}

	f.sess.Start(true)
	f.sender.waitFor(t, "listening_started")
	for i := 0; i < 5; i++ {
		f.sess.Audio(speechChunk())
	}
	f.sess.Stop()

	f.sender.waitFor(t, "error")
	f.sender.waitFor(t, "listening_started")
	waitState(t, f.sess, StateListening)
}

func TestSpokenTextIsSanitized(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.fragments = []string{"**Big** news. ", "Visit https://example.com today."}

	runTurn(t, f)
	complete := f.sender.waitFor(t, "response_complete")

	// The client sees the raw text; only the synthesizer gets the
	// cleaned version.
	if complete.text != "**Big** news. Visit https://example.com today." {
		t.Fatalf("response_complete = %q", complete.text)
	}

	events := f.sender.all()
	var chunks bytes.Buffer
	for _, ev := range kindsOf(events, "response_chunk") {
		chunks.WriteString(ev.text)
	}
	if chunks.String() != "**Big** news. Visit https://example.com today." {
		t.Fatalf("chunks concatenate to %q", chunks.String())
	}

	want := []string{"Big news.", "Visit today."}
	if got := f.voice.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("synthesis requests = %v", got)
	}
	if got := joinedAudio(events); got != "Big news.Visit today." {
		t.Fatalf("audio = %q", got)
	}
}

func TestAllMarkupUnitSkipsSynthesis(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.fragments = []string{"---"}

	runTurn(t, f)
	complete := f.sender.waitFor(t, "response_complete")

	if complete.text != "---" {
		t.Fatalf("response_complete = %q", complete.text)
	}
	events := f.sender.all()
	if n := len(kindsOf(events, "audio_chunk")); n != 0 {
		t.Fatalf("got %d audio chunks for pure markup, want 0", n)
	}
	if got := f.voice.texts(); len(got) != 0 {
		t.Fatalf("synthesis requests = %v, want none", got)
	}
}

func TestSynthesizedAudioIsResampled(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.fragments = []string{"Hi."}
	f.voice.rate = 32000
	// 8 samples of PCM16 at 32kHz halve to 4 at 16kHz.
	f.voice.script = func(text string) ([][]byte, error) {
		return [][]byte{make([]byte, 16)}, nil
	}

	runTurn(t, f)
	f.sender.waitFor(t, "response_complete")

	chunks := kindsOf(f.sender.all(), "audio_chunk")
	if len(chunks) != 1 {
		t.Fatalf("got %d audio chunks, want 1", len(chunks))
	}
	if chunks[0].rate != 16000 {
		t.Fatalf("audio sample rate = %d, want 16000", chunks[0].rate)
	}
	if len(chunks[0].pcm) != 8 {
		t.Fatalf("resampled frame = %d bytes, want 8", len(chunks[0].pcm))
	}
}
