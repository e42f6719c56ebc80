package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/Purple-Horizons/openclaw-voice/internal/session"
	"github.com/Purple-Horizons/openclaw-voice/internal/storage"
)

var conversationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type ConversationStore interface {
	ConversationsByDate(date string) ([]storage.Conversation, error)
	Conversation(id string) (storage.Conversation, error)
	Turns(conversationID string) ([]storage.TurnRecord, error)
	Dates() ([]string, error)
}

// StatusHooks feeds the status endpoint without coupling the mux to the
// rest of the process.
type StatusHooks struct {
	StartedAt time.Time
	Sessions  func() []session.Info
	Warnings  func() []string
}

func registerAPIRoutes(mux *http.ServeMux, store ConversationStore, status StatusHooks) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "persistence disabled")
			return
		}

		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		conversations, err := store.ConversationsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list conversations: %v", err))
			return
		}
		if conversations == nil {
			conversations = []storage.Conversation{}
		}

		writeJSON(w, http.StatusOK, conversations)
	})

	mux.HandleFunc("GET /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "persistence disabled")
			return
		}

		id := r.PathValue("id")
		if !validConversationID(id) {
			writeJSONError(w, http.StatusForbidden, "invalid conversation id")
			return
		}

		conversation, err := store.Conversation(id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get conversation: %v", err))
			return
		}

		turns, err := store.Turns(id)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get conversation turns: %v", err))
			return
		}
		if turns == nil {
			turns = []storage.TurnRecord{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"conversation": conversation,
			"turns":        turns,
		})
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "persistence disabled")
			return
		}

		dates, err := store.Dates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		sessions := []session.Info{}
		if status.Sessions != nil {
			if infos := status.Sessions(); infos != nil {
				sessions = infos
			}
		}
		warnings := []string{}
		if status.Warnings != nil {
			if ws := status.Warnings(); ws != nil {
				warnings = ws
			}
		}

		var uptime float64
		if !status.StartedAt.IsZero() {
			uptime = time.Since(status.StartedAt).Seconds()
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"active_sessions": sessions,
			"session_count":   len(sessions),
			"uptime_seconds":  uptime,
			"warnings":        warnings,
		})
	})
}

func validConversationID(id string) bool {
	return conversationIDPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
