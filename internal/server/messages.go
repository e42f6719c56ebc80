package server

// The voice socket speaks a fixed JSON protocol. Client frames carry a
// type discriminator plus optional fields; server frames are one struct
// per type so field sets stay exact.

type clientMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	Continuous *bool  `json:"continuous,omitempty"`
}

const (
	msgStartListening = "start_listening"
	msgStopListening  = "stop_listening"
	msgAudio          = "audio"
	msgPing           = "ping"
)

type typeOnlyFrame struct {
	Type string `json:"type"`
}

type transcriptFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type responseChunkFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCompleteFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type audioChunkFrame struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate"`
}

type vadStatusFrame struct {
	Type           string `json:"type"`
	SpeechDetected bool   `json:"speech_detected"`
	Event          string `json:"event,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Close codes for rejected connections, chosen in the library range so
// browser clients can read them.
const (
	closeMissingKey = 4001
	closeInvalidKey = 4002
	closeLimited    = 4003
)
