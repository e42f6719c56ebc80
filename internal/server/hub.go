package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Hub fans monitor events out to dashboard subscribers. Slow subscribers
// miss events rather than block the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastConversationStarted(conversationID, keyName string) {
	h.broadcastEvent(ConversationStartedEvent{
		Event:          newEvent("conversation_started", time.Now().UTC()),
		ConversationID: conversationID,
		Key:            keyName,
	})
}

func (h *Hub) BroadcastTurnCompleted(conversationID, userText, replyText string, elapsed time.Duration) {
	h.broadcastEvent(TurnCompletedEvent{
		Event:          newEvent("turn_completed", time.Now().UTC()),
		ConversationID: conversationID,
		UserText:       userText,
		ReplyText:      replyText,
		Elapsed:        elapsed.Seconds(),
	})
}

func (h *Hub) BroadcastConversationEnded(conversationID string, duration time.Duration, turns int) {
	h.broadcastEvent(ConversationEndedEvent{
		Event:          newEvent("conversation_ended", time.Now().UTC()),
		ConversationID: conversationID,
		Duration:       duration.Seconds(),
		Turns:          turns,
	})
}

func (h *Hub) BroadcastSummaryReady(conversationID, summary, status string) {
	h.broadcastEvent(SummaryReadyEvent{
		Event:          newEvent("summary_ready", time.Now().UTC()),
		ConversationID: conversationID,
		Summary:        summary,
		Status:         status,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}
