// Package summary generates post-conversation summaries through the
// agent backend.
package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Purple-Horizons/openclaw-voice/internal/llm"
	"github.com/Purple-Horizons/openclaw-voice/internal/storage"
)

// DefaultPrompt is the system prompt used when none is configured.
const DefaultPrompt = `You summarize voice conversations between a user and an assistant.
Write 2-4 sentences covering what the user wanted and what the assistant did.
Use plain prose, no markdown headers.`

// Conversations shorter than this many words are not worth an agent call.
const minTranscriptWords = 20

// Store is the persistence a summarizer works against.
type Store interface {
	Turns(conversationID string) ([]storage.TurnRecord, error)
	ClaimSummaryRequest(conversationID, promptHash string) (bool, error)
	UpdateSummary(conversationID, summary, status string) error
}

// Feed receives summary lifecycle events. The monitor hub implements it.
type Feed interface {
	BroadcastSummaryReady(conversationID, summary, status string)
}

// Summarizer turns an ended conversation's transcript into a stored
// summary.
type Summarizer struct {
	client llm.Client
	store  Store
	feed   Feed
	prompt string
	sleep  func(time.Duration)
}

// New builds a summarizer. feed may be nil; an empty prompt selects
// DefaultPrompt.
func New(client llm.Client, store Store, feed Feed, prompt string) *Summarizer {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Summarizer{
		client: client,
		store:  store,
		feed:   feed,
		prompt: prompt,
		sleep:  time.Sleep,
	}
}

// Run generates and stores the summary for one ended conversation.
// Concurrent triggers for the same conversation collapse to a single
// generation; conversations too short to summarize are left pending.
func (s *Summarizer) Run(ctx context.Context, conversationID string) error {
	transcript, err := s.transcript(conversationID)
	if err != nil {
		return err
	}
	if len(strings.Fields(transcript)) < minTranscriptWords {
		return nil
	}

	claimed, err := s.store.ClaimSummaryRequest(conversationID, promptHash(s.prompt))
	if err != nil {
		return fmt.Errorf("claim summary: %w", err)
	}
	if !claimed {
		return nil
	}

	if err := s.store.UpdateSummary(conversationID, "", storage.SummaryRunning); err != nil {
		return fmt.Errorf("mark summary running: %w", err)
	}

	text, err := s.generate(ctx, transcript)
	if err != nil {
		if uerr := s.store.UpdateSummary(conversationID, "", storage.SummaryFailed); uerr != nil {
			log.Printf("warning: summary %s: record failure: %v", conversationID, uerr)
		}
		s.notify(conversationID, "", storage.SummaryFailed)
		return err
	}

	if err := s.store.UpdateSummary(conversationID, text, storage.SummaryCompleted); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	s.notify(conversationID, text, storage.SummaryCompleted)
	return nil
}

func (s *Summarizer) transcript(conversationID string) (string, error) {
	turns, err := s.store.Turns(conversationID)
	if err != nil {
		return "", fmt.Errorf("load turns: %w", err)
	}

	var b strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&b, "user: %s\nassistant: %s\n", turn.UserText, turn.ReplyText)
	}
	return b.String(), nil
}

func (s *Summarizer) generate(ctx context.Context, transcript string) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: s.prompt},
		{Role: "user", Content: transcript},
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := range backoff {
		result, err := s.client.Complete(ctx, messages)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < len(backoff)-1 {
			s.sleep(backoff[attempt])
		}
	}
	return "", fmt.Errorf("summarize failed after retries: %w", lastErr)
}

func (s *Summarizer) notify(conversationID, text, status string) {
	if s.feed != nil {
		s.feed.BroadcastSummaryReady(conversationID, text, status)
	}
}

// promptHash keys summary claims, so a prompt change allows a
// regeneration.
func promptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
