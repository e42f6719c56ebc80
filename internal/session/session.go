// Package session drives the listen/transcribe/respond cycle for one
// voice connection.
package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Purple-Horizons/openclaw-voice/internal/audio"
	"github.com/Purple-Horizons/openclaw-voice/internal/llm"
	"github.com/Purple-Horizons/openclaw-voice/internal/stt"
	"github.com/Purple-Horizons/openclaw-voice/internal/vad"
)

// State is the turn-cycle phase of a session.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateResponding
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateResponding:
		return "responding"
	default:
		return "idle"
	}
}

type commandKind int

const (
	cmdStart commandKind = iota + 1
	cmdAudio
	cmdStop
)

type command struct {
	kind       commandKind
	samples    []float32
	continuous bool
}

type sttResult struct {
	transcript stt.Transcript
	err        error
}

type turnResult struct {
	text  string
	chars int
	err   error
}

// Info is a point-in-time snapshot of a session for the status API.
type Info struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Turns        int       `json:"turns"`
}

// Session owns all per-connection conversation state. The state lives in
// the run loop goroutine; exported methods only pass messages in, so no
// locking is needed around transitions.
type Session struct {
	id     string
	sender Sender
	deps   Deps
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	inbox  chan command
	closed chan struct{}

	// Loop state. Touched only inside run().
	state        State
	continuous   bool
	buffer       *audio.Buffer
	detector     vad.Detector
	history      []llm.Message
	live         stt.Stream
	liveFinals   []string
	liveSamples  int
	flushTimer   *time.Timer
	flushC       <-chan time.Time
	overflowSent bool
	turnStart    time.Time
	utterance    time.Duration
	userText     string

	sttDone  chan sttResult
	turnDone chan turnResult

	// Mirrors read outside the loop by Info.
	stateMirror  atomic.Int32
	turnsMirror  atomic.Int64
	lastActivity atomic.Int64
	startedAt    time.Time
}

// New starts a session's run loop. The session ends when ctx is canceled
// or Close is called.
func New(ctx context.Context, id string, sender Sender, deps Deps, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:        id,
		sender:    sender,
		deps:      deps,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan command, 64),
		closed:    make(chan struct{}),
		buffer:    audio.NewBuffer(cfg.SampleRate, cfg.MaxUtterance),
		sttDone:   make(chan sttResult, 1),
		turnDone:  make(chan turnResult, 1),
		startedAt: time.Now(),
	}
	if deps.Live == nil {
		s.detector = vad.NewEnergyDetector(cfg.VAD, cfg.SampleRate)
	}
	s.touch()

	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

// State reports the loop's current phase. Safe to call from any goroutine.
func (s *Session) State() State { return State(s.stateMirror.Load()) }

// Info snapshots the session for the status API.
func (s *Session) Info() Info {
	return Info{
		ID:           s.id,
		State:        s.State().String(),
		StartedAt:    s.startedAt,
		LastActivity: time.Unix(0, s.lastActivity.Load()),
		Turns:        int(s.turnsMirror.Load()),
	}
}

// Start requests the listening state. A no-op unless the session is idle.
func (s *Session) Start(continuous bool) {
	s.post(command{kind: cmdStart, continuous: continuous})
}

// Audio hands one chunk of microphone samples to the session. Chunks
// arriving while the session is not listening are dropped.
func (s *Session) Audio(samples []float32) {
	s.post(command{kind: cmdAudio, samples: samples})
}

// Stop forces the current utterance to end without waiting for silence.
func (s *Session) Stop() {
	s.post(command{kind: cmdStop})
}

func (s *Session) post(c command) {
	select {
	case s.inbox <- c:
	case <-s.ctx.Done():
	}
}

// Close tears the session down, cancels any in-flight provider calls, and
// waits for the run loop to exit.
func (s *Session) Close() {
	s.cancel()
	<-s.closed
}

// Done closes when the run loop has exited.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) run() {
	defer close(s.closed)
	defer s.cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.inbox:
			s.handleCommand(cmd)
		case ev := <-s.liveEvents():
			s.handleLiveEvent(ev)
		case <-s.liveDone():
			s.handleLiveClosed()
		case res := <-s.sttDone:
			s.handleTranscribed(res)
		case res := <-s.turnDone:
			s.handleResponded(res)
		case <-s.flushC:
			s.flushTimer, s.flushC = nil, nil
			s.finishLiveUtterance()
		}
	}
}

// liveEvents returns nil when no provider stream is open, which disables
// that select case.
func (s *Session) liveEvents() <-chan stt.Event {
	if s.live == nil {
		return nil
	}
	return s.live.Events()
}

func (s *Session) liveDone() <-chan struct{} {
	if s.live == nil {
		return nil
	}
	return s.live.Done()
}

func (s *Session) cleanup() {
	s.stopFlush()
	s.closeLive()
	s.buffer.Reset()
	s.setState(StateIdle)
}

func (s *Session) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdStart:
		s.touch()
		if s.state != StateIdle {
			return
		}
		s.continuous = cmd.continuous
		s.enterListening()
	case cmdAudio:
		if s.state != StateListening {
			return
		}
		s.touch()
		s.handleAudio(cmd.samples)
	case cmdStop:
		s.touch()
		if s.state != StateListening {
			return
		}
		s.manualStop()
	}
}

func (s *Session) handleAudio(samples []float32) {
	if len(samples) == 0 {
		return
	}

	if s.live != nil {
		s.liveSamples += len(samples)
		if err := s.live.Write(samples); err != nil {
			log.Printf("warning: session %s: live transcription write: %v", s.id, err)
		}
		return
	}

	if !s.buffer.Append(audio.Chunk{Samples: samples, Arrived: time.Now()}) {
		if !s.overflowSent {
			s.overflowSent = true
			s.sender.SendError(CodeAudioOverflow, "utterance exceeds maximum duration, dropping audio")
		}
		// Detection still runs on the dropped chunk so the turn can end.
	}

	ev := s.detector.Observe(samples)
	s.sender.SendVADStatus(s.detector.Speaking(), "")
	if ev == vad.SpeechStopped {
		s.autoStop()
	}
}

// autoStop ends the utterance on a detector boundary. Blips below the
// minimum speech duration are discarded without leaving listening.
func (s *Session) autoStop() {
	utt := s.buffer.Drain()
	s.detector.Reset()
	if utt.Duration() < s.cfg.MinUtterance {
		return
	}
	s.sender.SendListeningStopped()
	s.beginTranscribe(utt)
}

// manualStop ends the utterance on an explicit client request. In
// provider-VAD mode trailing finals may still be in flight, so the turn
// waits briefly before acting on what accumulated.
func (s *Session) manualStop() {
	s.sender.SendListeningStopped()
	if s.live != nil {
		s.setState(StateTranscribing)
		s.flushTimer = time.NewTimer(s.cfg.FlushWait)
		s.flushC = s.flushTimer.C
		return
	}

	utt := s.buffer.Drain()
	s.detector.Reset()
	if utt.Duration() < s.cfg.MinUtterance {
		s.endTurnWithoutResponse()
		return
	}
	s.beginTranscribe(utt)
}

func (s *Session) stopFlush() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer, s.flushC = nil, nil
	}
}

func (s *Session) beginTranscribe(utt audio.Utterance) {
	s.setState(StateTranscribing)
	s.turnStart = time.Now()
	s.utterance = utt.Duration()
	s.overflowSent = false
	if s.deps.Meter != nil {
		s.deps.Meter.AddAudio(utt.Duration())
	}
	go s.transcribe(utt)
}

func (s *Session) transcribe(utt audio.Utterance) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.STTTimeout)
	defer cancel()
	t, err := s.deps.Transcriber.Transcribe(ctx, utt)
	s.sttDone <- sttResult{transcript: t, err: err}
}

func (s *Session) handleTranscribed(res sttResult) {
	if s.state != StateTranscribing {
		return
	}
	if res.err != nil {
		if s.reportTurnError(fmt.Errorf("transcription: %w", res.err)) {
			s.endTurnWithoutResponse()
		}
		return
	}
	text := strings.TrimSpace(res.transcript.Text)
	if text == "" {
		s.endTurnWithoutResponse()
		return
	}
	s.sender.SendTranscript(text, true)
	s.beginResponding(text)
}

func (s *Session) beginResponding(text string) {
	s.setState(StateResponding)
	s.userText = text
	s.appendHistory(llm.Message{Role: "user", Content: text})
	go s.respond(s.prompt())
}

func (s *Session) respond(msgs []llm.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ResponseTimeout)
	defer cancel()
	text, chars, err := s.runTurnPipeline(ctx, msgs)
	s.turnDone <- turnResult{text: text, chars: chars, err: err}
}

func (s *Session) handleResponded(res turnResult) {
	if s.state != StateResponding {
		return
	}
	if res.err != nil {
		if s.reportTurnError(res.err) {
			s.settle()
		}
		return
	}

	s.appendHistory(llm.Message{Role: "assistant", Content: res.text})
	s.sender.SendResponseComplete(res.text)
	s.turnsMirror.Add(1)
	s.saveTurn(res.text, res.chars)
	s.settle()
}

// reportTurnError surfaces a recoverable turn error to the client and
// reports whether it did. A canceled session stays quiet; the connection
// is already going away.
func (s *Session) reportTurnError(err error) bool {
	code := Classify(err)
	if code == CodeSessionCanceled {
		return false
	}
	log.Printf("warning: session %s: turn failed: %v", s.id, err)
	s.sender.SendError(code, err.Error())
	return true
}

// settle parks the session where a finished turn belongs: listening when
// continuous mode keeps the conversation going, idle otherwise.
func (s *Session) settle() {
	if s.continuous {
		s.enterListening()
	} else {
		s.setState(StateIdle)
	}
}

// endTurnWithoutResponse closes a turn that never reached the agent. The
// session returns to listening rather than idle so a detector false
// positive or a transcription hiccup never strands the client.
func (s *Session) endTurnWithoutResponse() {
	s.enterListening()
}

func (s *Session) enterListening() {
	if s.deps.Live != nil && s.live == nil {
		stream, err := s.deps.Live.OpenStream(s.ctx, s.cfg.SampleRate)
		if err != nil {
			log.Printf("warning: session %s: open live transcription: %v", s.id, err)
			s.sender.SendError(CodeProviderError, "speech recognition unavailable")
			s.setState(StateIdle)
			return
		}
		s.live = stream
	}

	s.liveFinals = nil
	s.liveSamples = 0
	s.buffer.Reset()
	if s.detector != nil {
		s.detector.Reset()
	}
	s.overflowSent = false
	s.setState(StateListening)
	s.sender.SendListeningStarted()
}

func (s *Session) handleLiveEvent(ev stt.Event) {
	flushing := s.flushC != nil
	if s.state != StateListening && !flushing {
		return
	}

	switch ev.Kind {
	case stt.KindSpeechStarted:
		if !flushing {
			s.sender.SendVADStatus(true, "speech_started")
		}
	case stt.KindUtteranceEnd:
		if flushing {
			s.stopFlush()
			s.finishLiveUtterance()
			return
		}
		s.sender.SendVADStatus(false, "speech_stopped")
		s.sender.SendListeningStopped()
		s.finishLiveUtterance()
	case stt.KindTranscript:
		t := ev.Transcript
		if t.Final {
			if text := strings.TrimSpace(t.Text); text != "" {
				s.liveFinals = append(s.liveFinals, text)
			}
		} else if !flushing {
			s.sender.SendTranscript(t.Text, false)
		}
	}
}

// finishLiveUtterance closes the provider stream and acts on the finals
// accumulated during this listening phase. Assembly replaces the separate
// transcribing call of the batch path; the text is already here.
func (s *Session) finishLiveUtterance() {
	s.closeLive()

	dur := audio.Format{SampleRate: s.cfg.SampleRate}.Duration(s.liveSamples)
	s.liveSamples = 0
	if s.deps.Meter != nil && dur > 0 {
		s.deps.Meter.AddAudio(dur)
	}

	text := strings.TrimSpace(strings.Join(s.liveFinals, " "))
	s.liveFinals = nil
	if text == "" {
		s.endTurnWithoutResponse()
		return
	}

	s.turnStart = time.Now()
	s.utterance = dur
	s.sender.SendTranscript(text, true)
	s.beginResponding(text)
}

// handleLiveClosed runs when the provider stream ends on its own. Buffered
// events are drained first so finals already delivered are not lost.
func (s *Session) handleLiveClosed() {
	err := s.live.Err()
	s.drainLive()
	if s.live == nil {
		// A drained boundary event already finished the turn.
		return
	}
	s.live = nil

	wasFlushing := s.flushC != nil
	s.stopFlush()

	switch {
	case s.state == StateListening:
		s.sender.SendListeningStopped()
		if err != nil {
			s.failLiveUtterance(err)
			return
		}
		s.finishLiveUtterance()
	case wasFlushing:
		if err != nil {
			s.failLiveUtterance(err)
			return
		}
		s.finishLiveUtterance()
	default:
		if err != nil {
			log.Printf("warning: session %s: live transcription closed: %v", s.id, err)
		}
	}
}

func (s *Session) failLiveUtterance(err error) {
	s.liveFinals = nil
	s.liveSamples = 0
	if s.reportTurnError(fmt.Errorf("live transcription: %w", err)) {
		s.endTurnWithoutResponse()
	}
}

func (s *Session) drainLive() {
	for s.live != nil {
		select {
		case ev := <-s.live.Events():
			s.handleLiveEvent(ev)
		default:
			return
		}
	}
}

func (s *Session) closeLive() {
	if s.live == nil {
		return
	}
	if err := s.live.Close(); err != nil {
		log.Printf("warning: session %s: close live transcription: %v", s.id, err)
	}
	s.live = nil
}

func (s *Session) appendHistory(m llm.Message) {
	s.history = append(s.history, m)
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = append([]llm.Message(nil), s.history[len(s.history)-s.cfg.HistoryLimit:]...)
	}
}

// prompt assembles the agent call: system prompt plus the bounded history,
// which already ends with the user's new message.
func (s *Session) prompt() []llm.Message {
	msgs := make([]llm.Message, 0, len(s.history)+1)
	if s.cfg.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: s.cfg.SystemPrompt})
	}
	return append(msgs, s.history...)
}

func (s *Session) saveTurn(reply string, synthChars int) {
	if s.deps.Store == nil {
		return
	}
	t := Turn{
		SessionID:  s.id,
		StartedAt:  s.turnStart,
		UserText:   s.userText,
		ReplyText:  reply,
		Utterance:  s.utterance,
		Elapsed:    time.Since(s.turnStart),
		SynthChars: synthChars,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Store.SaveTurn(ctx, t); err != nil {
			log.Printf("warning: session %s: save turn: %v", s.id, err)
		}
	}()
}

func (s *Session) setState(st State) {
	s.state = st
	s.stateMirror.Store(int32(st))
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}
