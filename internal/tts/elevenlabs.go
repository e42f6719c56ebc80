package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	elevenLabsBaseURL    = "wss://api.elevenlabs.io"
	elevenLabsModelID    = "eleven_flash_v2_5"
	elevenLabsSampleRate = 24000

	writeWait = 5 * time.Second
)

// ElevenLabsConfig carries synthesis settings. ModelID and BaseURL fall
// back to eleven_flash_v2_5 and the public API.
type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	ModelID string
	BaseURL string
}

// ElevenLabs synthesizes units over the stream-input websocket, one
// connection per unit.
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if cfg.ModelID == "" {
		cfg.ModelID = elevenLabsModelID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = elevenLabsBaseURL
	}
	return &ElevenLabs{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (e *ElevenLabs) SampleRate() int { return elevenLabsSampleRate }

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (Stream, error) {
	if e.cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if e.cfg.VoiceID == "" {
		return nil, fmt.Errorf("elevenlabs voice id is required")
	}

	wsURL, err := streamInputURL(e.cfg.BaseURL, e.cfg.VoiceID, e.cfg.ModelID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", e.cfg.APIKey)
	conn, _, err := e.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs dial: %w", err)
	}

	// Init, the unit text, then the empty end-of-input marker: the server
	// flushes all audio and replies isFinal.
	for _, msg := range []map[string]any{
		{"text": " "},
		{"text": spaceTerminated(text)},
		{"text": ""},
	} {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("elevenlabs send: %w", err)
		}
	}

	s := newFrameStream(func() { _ = conn.Close() })
	go func() {
		defer close(s.frames)
		s.finish(readStreamInput(conn, s))
	}()
	return s, nil
}

func readStreamInput(conn *websocket.Conn, s *frameStream) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("elevenlabs read: %w", err)
		}

		var msg struct {
			Audio    string `json:"audio"`
			IsFinal  bool   `json:"isFinal"`
			AltFinal bool   `json:"is_final"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.Audio != "" {
			frame, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err == nil && len(frame) > 0 {
				if !s.push(frame) {
					return nil
				}
			}
		}
		if msg.IsFinal || msg.AltFinal {
			return nil
		}
	}
}

func streamInputURL(base, voiceID, modelID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("elevenlabs base url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	}
	u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"

	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", "pcm_24000")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// spaceTerminated appends the trailing space the stream-input protocol
// expects on text chunks.
func spaceTerminated(text string) string {
	if strings.HasSuffix(text, " ") {
		return text
	}
	return text + " "
}
