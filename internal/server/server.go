// Package server exposes the voice websocket, the monitor event feed,
// and the conversation REST API on one mux.
package server

import "net/http"

func Handler(voice *Voice, hub *Hub, store ConversationStore, status StatusHooks) http.Handler {
	mux := http.NewServeMux()

	registerVoiceRoutes(mux, voice)
	registerMonitorRoute(mux, hub)
	registerAPIRoutes(mux, store, status)

	return mux
}
