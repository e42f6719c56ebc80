package server

import "time"

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type ConversationStartedEvent struct {
	Event
	ConversationID string `json:"conversation_id"`
	Key            string `json:"key"`
}

type TurnCompletedEvent struct {
	Event
	ConversationID string  `json:"conversation_id"`
	UserText       string  `json:"user_text"`
	ReplyText      string  `json:"reply_text"`
	Elapsed        float64 `json:"elapsed"`
}

type ConversationEndedEvent struct {
	Event
	ConversationID string  `json:"conversation_id"`
	Duration       float64 `json:"duration"`
	Turns          int     `json:"turns"`
}

type SummaryReadyEvent struct {
	Event
	ConversationID string `json:"conversation_id"`
	Summary        string `json:"summary"`
	Status         string `json:"status"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
