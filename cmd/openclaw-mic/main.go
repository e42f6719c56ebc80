// Command openclaw-mic is a terminal voice client: it captures the default
// microphone, streams it to an openclaw-voice server, prints transcripts
// and responses, and plays the synthesized reply.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/gorilla/websocket"

	"github.com/Purple-Horizons/openclaw-voice/internal/audio"
	"github.com/Purple-Horizons/openclaw-voice/internal/config"
)

const writeWait = 10 * time.Second

type clientFrame struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	Continuous *bool  `json:"continuous,omitempty"`
}

// serverFrame is the union of every frame the server sends; Type picks the
// populated fields.
type serverFrame struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	Final          bool   `json:"final,omitempty"`
	Data           string `json:"data,omitempty"`
	SampleRate     int    `json:"sample_rate,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	SpeechDetected bool   `json:"speech_detected,omitempty"`
	Event          string `json:"event,omitempty"`
}

// client serializes concurrent frame writes onto one connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(frame clientFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

func main() {
	serverURL := flag.String("server", "ws://127.0.0.1:8765/ws", "voice server websocket URL")
	apiKey := flag.String("key", os.Getenv(config.EnvPrefix+"API_KEY"), "API key (ocv_...)")
	continuous := flag.Bool("continuous", true, "keep listening after each response")
	rate := flag.Int("rate", audio.DefaultSampleRate, "preferred microphone sample rate")
	verbose := flag.Bool("verbose", false, "print interim transcripts and speech events")
	flag.Parse()

	if err := portaudio.Initialize(); err != nil {
		log.Fatalf("portaudio init failed: %v", err)
	}
	defer func() { _ = portaudio.Terminate() }()

	header := http.Header{}
	if *apiKey != "" {
		header.Set("x-api-key", *apiKey)
	}

	target := *serverURL
	if strings.HasPrefix(target, "http") {
		target = "ws" + strings.TrimPrefix(target, "http")
	}

	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		if resp != nil {
			log.Fatalf("connect to %s failed: %v (%s)", target, err, resp.Status)
		}
		log.Fatalf("connect to %s failed: %v", target, err)
	}
	defer func() { _ = conn.Close() }()
	c := &client{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	player, err := audio.NewPlayer(audio.DefaultSampleRate, audio.DefaultSampleRate/10)
	if err != nil {
		log.Fatalf("speaker open failed: %v", err)
	}
	if err := player.Start(); err != nil {
		log.Fatalf("speaker start failed: %v", err)
	}
	go func() {
		if err := player.Run(ctx); err != nil {
			log.Printf("warning: playback stopped: %v", err)
		}
	}()

	mic, captureRate := openMic(*rate)
	if mic != nil {
		if err := mic.Start(); err != nil {
			log.Printf("warning: microphone start failed, receive-only mode: %v", err)
			mic = nil
		}
	}
	if mic != nil {
		log.Printf("microphone started at %d Hz", captureRate)
		go streamMic(ctx, mic, &wireWriter{c: c, captureRate: captureRate})
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = c.send(clientFrame{Type: "ping"})
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println()
		log.Println("closing")
		_ = c.send(clientFrame{Type: "stop_listening"})
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		time.AfterFunc(2*time.Second, func() { _ = conn.Close() })
	}()

	if err := c.send(clientFrame{Type: "start_listening", Continuous: continuous}); err != nil {
		log.Fatalf("start failed: %v", err)
	}

	readLoop(conn, player, *verbose)

	cancel()
	if mic != nil {
		_ = mic.Stop()
	}
	drain(player)
	_ = player.Stop()
}

func readLoop(conn *websocket.Conn, player *audio.Player, verbose bool) {
	inResponse := false
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if inResponse {
				fmt.Println()
			}
			reportClose(err)
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Printf("warning: bad frame: %v", err)
			continue
		}

		switch frame.Type {
		case "listening_started":
			fmt.Println("listening...")
		case "listening_stopped":
			if verbose {
				fmt.Println("(stopped)")
			}
		case "vad_status":
			if verbose && frame.Event != "" {
				fmt.Printf("(%s)\n", frame.Event)
			}
		case "transcript":
			if frame.Final {
				fmt.Printf("you: %s\n", frame.Text)
			} else if verbose {
				fmt.Printf("you (interim): %s\n", frame.Text)
			}
		case "response_chunk":
			if !inResponse {
				fmt.Print("assistant: ")
				inResponse = true
			}
			fmt.Print(frame.Text)
		case "response_complete":
			if inResponse {
				fmt.Println()
				inResponse = false
			}
		case "audio_chunk":
			pcm, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				log.Printf("warning: bad audio chunk: %v", err)
				continue
			}
			if frame.SampleRate > 0 && frame.SampleRate != audio.DefaultSampleRate {
				pcm = audio.ResamplePCM16(pcm, frame.SampleRate, audio.DefaultSampleRate)
			}
			player.Enqueue(pcm)
		case "error":
			fmt.Fprintf(os.Stderr, "error [%s]: %s\n", frame.Code, frame.Message)
		case "pong":
		}
	}
}

// openMic tries the preferred rate first, then the rates hardware commonly
// supports. Capture is resampled to the wire rate either way.
func openMic(preferred int) (*audio.Mic, int) {
	candidates := []int{preferred, audio.DefaultSampleRate, 48000, 44100, 32000, 24000}
	seen := make(map[int]struct{}, len(candidates))

	for _, rate := range candidates {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}

		mic, err := audio.NewMic(rate, rate/10)
		if err != nil {
			log.Printf("warning: microphone open failed at %d Hz: %v", rate, err)
			continue
		}
		return mic, rate
	}

	log.Println("warning: microphone unavailable, receive-only mode")
	return nil, 0
}

func streamMic(ctx context.Context, mic *audio.Mic, w io.Writer) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := mic.Stream(w)
		if err == nil || ctx.Err() != nil {
			return
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			log.Println("warning: mic input overflow, restarting stream")
			continue
		}

		log.Printf("mic stream error: %v", err)
		return
	}
}

// wireWriter converts captured PCM16 to the float32 wire encoding and
// ships it as audio frames.
type wireWriter struct {
	c           *client
	captureRate int
}

func (w *wireWriter) Write(pcm []byte) (int, error) {
	samples := audio.PCM16ToFloat32(pcm)
	if w.captureRate != audio.DefaultSampleRate {
		samples = audio.Resample(samples, w.captureRate, audio.DefaultSampleRate)
	}

	frame := clientFrame{
		Type: "audio",
		Data: base64.StdEncoding.EncodeToString(audio.EncodeFloat32(samples)),
	}
	if err := w.c.send(frame); err != nil {
		return 0, err
	}
	return len(pcm), nil
}

// drain waits for queued playback to finish, up to a few seconds.
func drain(player *audio.Player) {
	deadline := time.Now().Add(3 * time.Second)
	for player.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

func reportClose(err error) {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
	case 4001, 4002, 4003:
		log.Printf("rejected by server: %s (code %d)", closeErr.Text, closeErr.Code)
	default:
		log.Printf("connection closed: %v", closeErr)
	}
}
