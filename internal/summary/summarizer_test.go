package summary

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Purple-Horizons/openclaw-voice/internal/llm"
	"github.com/Purple-Horizons/openclaw-voice/internal/storage"
)

type mockLLMClient struct {
	calls        int
	failures     int
	response     string
	err          error
	lastMessages []llm.Message
}

func (m *mockLLMClient) Complete(_ context.Context, messages []llm.Message) (string, error) {
	m.calls++
	m.lastMessages = append([]llm.Message(nil), messages...)
	if m.err != nil && m.calls <= m.failures {
		return "", m.err
	}
	return m.response, nil
}

func (m *mockLLMClient) Stream(_ context.Context, _ []llm.Message) (llm.Stream, error) {
	return nil, errors.New("not used")
}

type summaryUpdate struct {
	summary string
	status  string
}

type summaryStoreStub struct {
	mu      sync.Mutex
	turns   []storage.TurnRecord
	claimed bool
	denied  bool
	updates []summaryUpdate
}

func (s *summaryStoreStub) Turns(conversationID string) ([]storage.TurnRecord, error) {
	return s.turns, nil
}

func (s *summaryStoreStub) ClaimSummaryRequest(conversationID, promptHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied {
		return false, nil
	}
	s.claimed = true
	return true, nil
}

func (s *summaryStoreStub) UpdateSummary(conversationID, summary, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, summaryUpdate{summary: summary, status: status})
	return nil
}

func (s *summaryStoreStub) lastUpdate() summaryUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return summaryUpdate{}
	}
	return s.updates[len(s.updates)-1]
}

type feedStub struct {
	mu     sync.Mutex
	ready  []summaryUpdate
	IDSeen string
}

func (f *feedStub) BroadcastSummaryReady(conversationID, summary, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.IDSeen = conversationID
	f.ready = append(f.ready, summaryUpdate{summary: summary, status: status})
}

func conversationTurns(n int) []storage.TurnRecord {
	turns := make([]storage.TurnRecord, 0, n)
	for i := 0; i < n; i++ {
		turns = append(turns, storage.TurnRecord{
			Seq:      i + 1,
			UserText: "please remind me about the garden watering schedule",
			ReplyText: "Watering is set for seven each morning, and I will nudge " +
				"you the evening before.",
		})
	}
	return turns
}

func TestSummarizeStoresResult(t *testing.T) {
	client := &mockLLMClient{response: "The user set up watering reminders."}
	store := &summaryStoreStub{turns: conversationTurns(2)}
	feed := &feedStub{}

	s := New(client, store, feed, "")
	s.sleep = func(time.Duration) {}

	if err := s.Run(context.Background(), "c1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if client.calls != 1 {
		t.Fatalf("llm calls = %d, want 1", client.calls)
	}
	if len(client.lastMessages) != 2 || client.lastMessages[0].Role != "system" {
		t.Fatalf("prompt shape = %+v", client.lastMessages)
	}
	if !strings.Contains(client.lastMessages[1].Content, "user: please remind me") {
		t.Fatalf("transcript missing user line: %q", client.lastMessages[1].Content)
	}
	if !strings.Contains(client.lastMessages[1].Content, "assistant: Watering is set") {
		t.Fatalf("transcript missing assistant line: %q", client.lastMessages[1].Content)
	}

	if len(store.updates) != 2 {
		t.Fatalf("updates = %+v, want running then completed", store.updates)
	}
	if store.updates[0].status != storage.SummaryRunning {
		t.Fatalf("first update status = %q", store.updates[0].status)
	}
	last := store.lastUpdate()
	if last.status != storage.SummaryCompleted || last.summary != "The user set up watering reminders." {
		t.Fatalf("final update = %+v", last)
	}

	if feed.IDSeen != "c1" || len(feed.ready) != 1 || feed.ready[0].status != storage.SummaryCompleted {
		t.Fatalf("feed = %+v", feed.ready)
	}
}

func TestSummarizeSkipsShortConversation(t *testing.T) {
	client := &mockLLMClient{response: "unused"}
	store := &summaryStoreStub{turns: []storage.TurnRecord{
		{Seq: 1, UserText: "hi", ReplyText: "Hello."},
	}}

	s := New(client, store, nil, "")

	if err := s.Run(context.Background(), "c1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("llm called %d times for a short conversation", client.calls)
	}
	if store.claimed || len(store.updates) != 0 {
		t.Fatalf("short conversation touched storage: claimed=%v updates=%+v", store.claimed, store.updates)
	}
}

func TestSummarizeSecondClaimIsNoOp(t *testing.T) {
	client := &mockLLMClient{response: "unused"}
	store := &summaryStoreStub{turns: conversationTurns(2), denied: true}

	s := New(client, store, nil, "")

	if err := s.Run(context.Background(), "c1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("llm called %d times without the claim", client.calls)
	}
	if len(store.updates) != 0 {
		t.Fatalf("unclaimed run wrote updates: %+v", store.updates)
	}
}

func TestSummarizeRetries(t *testing.T) {
	client := &mockLLMClient{response: "Recovered summary.", err: errors.New("temporary"), failures: 2}
	store := &summaryStoreStub{turns: conversationTurns(2)}

	var sleeps []time.Duration
	s := New(client, store, nil, "")
	s.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	if err := s.Run(context.Background(), "c1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("llm calls = %d, want 3", client.calls)
	}
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 4*time.Second {
		t.Fatalf("sleeps = %v", sleeps)
	}
	if last := store.lastUpdate(); last.status != storage.SummaryCompleted {
		t.Fatalf("final status = %q", last.status)
	}
}

func TestSummarizeFailureMarksFailed(t *testing.T) {
	client := &mockLLMClient{err: errors.New("upstream down"), failures: 10}
	store := &summaryStoreStub{turns: conversationTurns(2)}
	feed := &feedStub{}

	s := New(client, store, feed, "")
	s.sleep = func(time.Duration) {}

	err := s.Run(context.Background(), "c1")
	if err == nil {
		t.Fatal("Run succeeded despite persistent failures")
	}
	if !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("error does not wrap the cause: %v", err)
	}
	if last := store.lastUpdate(); last.status != storage.SummaryFailed {
		t.Fatalf("final status = %q, want failed", last.status)
	}
	if len(feed.ready) != 1 || feed.ready[0].status != storage.SummaryFailed {
		t.Fatalf("feed = %+v", feed.ready)
	}
}

func TestSummarizeCustomPrompt(t *testing.T) {
	client := &mockLLMClient{response: "ok"}
	store := &summaryStoreStub{turns: conversationTurns(2)}

	s := New(client, store, nil, "Summarize in one line.")
	s.sleep = func(time.Duration) {}

	if err := s.Run(context.Background(), "c1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.lastMessages[0].Content != "Summarize in one line." {
		t.Fatalf("system prompt = %q", client.lastMessages[0].Content)
	}
}
