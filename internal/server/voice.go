package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Purple-Horizons/openclaw-voice/internal/audio"
	"github.com/Purple-Horizons/openclaw-voice/internal/auth"
	"github.com/Purple-Horizons/openclaw-voice/internal/session"
	"github.com/Purple-Horizons/openclaw-voice/internal/storage"
)

const writeWait = 10 * time.Second

// VoiceStore is the persistence the voice endpoint uses. A nil store
// disables conversation records, usage metering, and quota checks.
type VoiceStore interface {
	CreateConversation(id, keyName, keyHash string, startedAt time.Time) error
	EndConversation(id string, endedAt time.Time) error
	AppendTurn(conversationID string, rec storage.TurnRecord) error
	AddUsage(keyHash, day string, audioSeconds float64, synthChars, turns int) error
	MonthAudioSeconds(keyHash, month string) (float64, error)
}

// Voice turns websocket connections into conversation sessions. Deps and
// Config are shared across connections; Store and Meter slots on Deps are
// filled per connection.
type Voice struct {
	Deps     session.Deps
	Config   session.Config
	Keyring  *auth.Keyring // nil allows anonymous connections
	Store    VoiceStore    // nil disables persistence
	Sessions *session.Registry
	Hub      *Hub

	// Continuous is the listening mode used when start_listening carries
	// no continuous field.
	Continuous bool

	// OnConversationEnded runs after a connection's conversation is
	// closed out, with its id.
	OnConversationEnded func(conversationID string)
}

func registerVoiceRoutes(mux *http.ServeMux, v *Voice) {
	mux.HandleFunc("GET /ws", v.handleVoice)
	mux.HandleFunc("GET /voice/ws", v.handleVoice)
}

func (v *Voice) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("voice upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	grant, ok := v.admit(conn, r)
	if !ok {
		return
	}
	defer grant.Release()

	key := auth.Key{Name: "anonymous", Hash: "anonymous"}
	if grant != nil {
		key = grant.Key
	}

	id := uuid.NewString()
	started := time.Now().UTC()
	log.Printf("voice %s: client connected (%s)", id, key.Name)

	if v.Store != nil {
		if err := v.Store.CreateConversation(id, key.Name, key.Hash, started); err != nil {
			log.Printf("warning: voice %s: create conversation: %v", id, err)
		}
	}
	if v.Hub != nil {
		v.Hub.BroadcastConversationStarted(id, key.Name)
	}

	sender := newWSSender(conn)
	go sender.run()

	deps := v.Deps
	deps.Store = &conversationRecorder{store: v.Store, hub: v.Hub, keyHash: key.Hash}
	deps.Meter = &usageMeter{store: v.Store, keyHash: key.Hash}

	sess := session.New(context.Background(), id, sender, deps, v.Config)
	if v.Sessions != nil {
		v.Sessions.Add(sess)
	}

	v.readLoop(conn, sess, sender)

	sess.Close()
	sender.stop()
	if v.Sessions != nil {
		v.Sessions.Remove(id)
	}

	turns := sess.Info().Turns
	if v.Store != nil {
		if err := v.Store.EndConversation(id, time.Now().UTC()); err != nil {
			log.Printf("warning: voice %s: end conversation: %v", id, err)
		}
	}
	if v.Hub != nil {
		v.Hub.BroadcastConversationEnded(id, time.Since(started), turns)
	}
	if v.OnConversationEnded != nil {
		v.OnConversationEnded(id)
	}
	log.Printf("voice %s: client disconnected (%d turns)", id, turns)
}

// admit checks the presented API key and quota. On rejection it writes
// the close frame itself and reports false.
func (v *Voice) admit(conn *websocket.Conn, r *http.Request) (*auth.Grant, bool) {
	if v.Keyring == nil {
		return nil, true
	}

	token := r.URL.Query().Get("api_key")
	if token == "" {
		token = r.Header.Get("x-api-key")
	}

	grant, err := v.Keyring.Acquire(token, time.Now())
	if err != nil {
		code := closeLimited
		switch {
		case errors.Is(err, auth.ErrMissingKey):
			code = closeMissingKey
		case errors.Is(err, auth.ErrUnknownKey):
			code = closeInvalidKey
		}
		closeWith(conn, code, err.Error())
		return nil, false
	}

	if v.Store != nil && grant.Limits.MonthlyMinutes > 0 {
		month := time.Now().UTC().Format("2006-01")
		used, err := v.Store.MonthAudioSeconds(grant.Key.Hash, month)
		switch {
		case err != nil:
			log.Printf("warning: voice: month usage for %s: %v", grant.Key.Name, err)
		case used >= float64(grant.Limits.MonthlyMinutes)*60:
			grant.Release()
			closeWith(conn, closeLimited, "monthly audio quota exhausted")
			return nil, false
		}
	}

	return grant, true
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (v *Voice) readLoop(conn *websocket.Conn, sess *session.Session, sender *wsSender) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("voice %s: bad frame: %v", sess.ID(), err)
			sender.SendError(session.CodeProtocolError, "malformed message")
			continue
		}

		switch msg.Type {
		case msgStartListening:
			continuous := v.Continuous
			if msg.Continuous != nil {
				continuous = *msg.Continuous
			}
			sess.Start(continuous)
		case msgAudio:
			samples, err := audio.DecodeBase64Float32(msg.Data)
			if err != nil {
				log.Printf("voice %s: %v", sess.ID(), err)
				sender.SendError(session.CodeProtocolError, "bad audio payload")
				continue
			}
			sess.Audio(samples)
		case msgStopListening:
			sess.Stop()
		case msgPing:
			sender.sendPong()
		default:
			sender.SendError(session.CodeProtocolError, fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

// wsSender serializes all writes to one connection through a single pump
// goroutine. Session goroutines may call Send methods after the pump has
// exited; those frames are dropped.
type wsSender struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}

	quit     chan struct{}
	stopOnce sync.Once
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{
		conn: conn,
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
}

func (w *wsSender) run() {
	defer close(w.done)
	for {
		select {
		case msg := <-w.out:
			if !w.write(msg) {
				return
			}
		case <-w.quit:
			for {
				select {
				case msg := <-w.out:
					if !w.write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (w *wsSender) write(msg []byte) bool {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		// Unblocks the read loop so the connection tears down.
		_ = w.conn.Close()
		return false
	}
	return true
}

// stop flushes queued frames and ends the pump.
func (w *wsSender) stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.done
}

func (w *wsSender) send(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Printf("warning: voice frame marshal: %v", err)
		return
	}
	select {
	case w.out <- payload:
	case <-w.done:
	}
}

func (w *wsSender) SendListeningStarted() {
	w.send(typeOnlyFrame{Type: "listening_started"})
}

func (w *wsSender) SendListeningStopped() {
	w.send(typeOnlyFrame{Type: "listening_stopped"})
}

func (w *wsSender) SendVADStatus(speechDetected bool, event string) {
	w.send(vadStatusFrame{Type: "vad_status", SpeechDetected: speechDetected, Event: event})
}

func (w *wsSender) SendTranscript(text string, final bool) {
	w.send(transcriptFrame{Type: "transcript", Text: text, Final: final})
}

func (w *wsSender) SendResponseChunk(text string) {
	w.send(responseChunkFrame{Type: "response_chunk", Text: text})
}

func (w *wsSender) SendAudioChunk(pcm []byte, sampleRate int) {
	w.send(audioChunkFrame{
		Type:       "audio_chunk",
		Data:       base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
	})
}

func (w *wsSender) SendResponseComplete(text string) {
	w.send(responseCompleteFrame{Type: "response_complete", Text: text})
}

func (w *wsSender) SendError(code session.Code, message string) {
	w.send(errorFrame{Type: "error", Code: string(code), Message: message})
}

func (w *wsSender) sendPong() {
	w.send(typeOnlyFrame{Type: "pong"})
}

// conversationRecorder persists completed turns and fans them out to the
// monitor feed.
type conversationRecorder struct {
	store   VoiceStore
	hub     *Hub
	keyHash string

	mu  sync.Mutex
	seq int
}

func (r *conversationRecorder) SaveTurn(ctx context.Context, t session.Turn) error {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	if r.hub != nil {
		r.hub.BroadcastTurnCompleted(t.SessionID, t.UserText, t.ReplyText, t.Elapsed)
	}
	if r.store == nil {
		return nil
	}

	rec := storage.TurnRecord{
		Seq:            seq,
		UserText:       t.UserText,
		ReplyText:      t.ReplyText,
		AudioSeconds:   t.Utterance.Seconds(),
		ElapsedSeconds: t.Elapsed.Seconds(),
		CreatedAt:      t.StartedAt,
	}
	if err := r.store.AppendTurn(t.SessionID, rec); err != nil {
		return err
	}
	return r.store.AddUsage(r.keyHash, day(t.StartedAt), 0, t.SynthChars, 1)
}

// usageMeter charges transcribed audio against the connection's key.
type usageMeter struct {
	store   VoiceStore
	keyHash string
}

func (m *usageMeter) AddAudio(d time.Duration) {
	if m.store == nil || d <= 0 {
		return
	}
	if err := m.store.AddUsage(m.keyHash, day(time.Now()), d.Seconds(), 0, 0); err != nil {
		log.Printf("warning: voice: record usage: %v", err)
	}
}

func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
