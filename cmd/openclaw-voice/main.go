package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Purple-Horizons/openclaw-voice/internal/auth"
	"github.com/Purple-Horizons/openclaw-voice/internal/config"
	"github.com/Purple-Horizons/openclaw-voice/internal/gdrive"
	"github.com/Purple-Horizons/openclaw-voice/internal/llm"
	"github.com/Purple-Horizons/openclaw-voice/internal/server"
	"github.com/Purple-Horizons/openclaw-voice/internal/session"
	"github.com/Purple-Horizons/openclaw-voice/internal/storage"
	"github.com/Purple-Horizons/openclaw-voice/internal/stt"
	"github.com/Purple-Horizons/openclaw-voice/internal/summary"
	"github.com/Purple-Horizons/openclaw-voice/internal/tts"
	"github.com/Purple-Horizons/openclaw-voice/internal/vad"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	log.Println("openclaw-voice: starting")

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	transcriptLog := storage.NewWriter(cfg.LogDir)

	ring := buildKeyring(cfg)
	deps, llmClient := buildProviders(cfg)

	hub := server.NewHub()
	registry := session.NewRegistry()

	voice := &server.Voice{
		Deps: deps,
		Config: session.Config{
			SystemPrompt:     cfg.SystemPrompt,
			SampleRate:       cfg.SampleRate,
			HistoryLimit:     cfg.HistoryLimit,
			MinUtterance:     cfg.ParsedMinUtterance(),
			MaxUtterance:     cfg.ParsedMaxUtterance(),
			MaxParallelSynth: cfg.MaxParallelSynth,
			STTTimeout:       cfg.ParsedSTTTimeout(),
			ResponseTimeout:  cfg.ParsedResponseTimeout(),
			FlushWait:        cfg.ParsedFlushWait(),
			VAD: vad.Config{
				EnergyThreshold: cfg.VADThreshold,
				Hangover:        cfg.ParsedVADHangover(),
			},
		},
		Keyring:    ring,
		Store:      recordingStore{SQLiteStore: store, log: transcriptLog},
		Sessions:   registry,
		Hub:        hub,
		Continuous: cfg.Continuous,
	}

	provider, _ := cfg.SplitLLMModel()
	if cfg.ProviderAPIKey(provider) != "" {
		summarizer := summary.New(llmClient, store, hub, cfg.SummaryPrompt)
		voice.OnConversationEnded = func(conversationID string) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if err := summarizer.Run(ctx, conversationID); err != nil {
					log.Printf("warning: summary %s: %v", conversationID, err)
				}
			}()
		}
	}

	status := server.StatusHooks{
		StartedAt: time.Now(),
		Sessions:  registry.Infos,
		Warnings:  func() []string { return warnings },
	}
	handler := server.Handler(voice, hub, store, status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: handler}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	var syncer *gdrive.Syncer
	if cfg.GDriveFolderID != "" {
		syncer, err = gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			log.Printf("warning: gdrive sync disabled: %v", err)
			syncer = nil
		} else {
			go func() {
				ticker := time.NewTicker(5 * time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						syncDailyLog(syncer, cfg.LogDir)
					}
				}
			}()
		}
	}

	log.Printf("openclaw-voice: listening on %s", cfg.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("openclaw-voice: shutting down")
	cancel()

	registry.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: http shutdown failed: %v", err)
	}

	if syncer != nil {
		syncDailyLog(syncer, cfg.LogDir)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv(config.EnvPrefix + "CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

// buildKeyring registers the configured API keys. A nil return leaves the
// voice endpoint open to anonymous connections.
func buildKeyring(cfg config.Config) *auth.Keyring {
	if !cfg.RequireAuth {
		return nil
	}

	ring := auth.NewKeyring()
	for _, entry := range cfg.APIKeys {
		tier, err := auth.ParseTier(entry.Tier)
		if err != nil {
			log.Printf("warning: api key %q skipped: %v", entry.Name, err)
			continue
		}
		if err := ring.Register(entry.Name, tier, entry.SHA256); err != nil {
			log.Printf("warning: api key skipped: %v", err)
		}
	}
	if cfg.MasterKey != "" {
		if err := ring.RegisterPlaintext("master", auth.TierEnterprise, cfg.MasterKey); err != nil {
			log.Printf("warning: master key skipped: %v", err)
		}
	}
	log.Printf("auth: %d key(s) registered", ring.Len())
	return ring
}

// buildProviders assembles the session collaborators from the configured
// providers. Missing keys degrade to clients that fail per request, so the
// server still serves the API and monitor feed.
func buildProviders(cfg config.Config) (session.Deps, llm.Client) {
	var deps session.Deps

	if cfg.DeepgramAPIKey != "" {
		deps.Live = stt.NewDeepgram(stt.DeepgramConfig{
			APIKey:         cfg.DeepgramAPIKey,
			Model:          cfg.DeepgramModel,
			Language:       cfg.DeepgramLanguage,
			UtteranceEndMs: cfg.UtteranceEndMs,
		})
		log.Printf("stt: deepgram %s (%s)", cfg.DeepgramModel, cfg.DeepgramLanguage)
	} else {
		deps.Transcriber = stt.NewWhisper(cfg.OpenAIAPIKey, cfg.WhisperModel, cfg.WhisperBaseURL)
		log.Println("stt: whisper batch mode")
	}

	var llmOpts []llm.Option
	if cfg.LLMBaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(cfg.LLMBaseURL))
	}
	provider, model := cfg.SplitLLMModel()
	llmClient, err := llm.NewClient(provider, cfg.ProviderAPIKey(provider), model, llmOpts...)
	if err != nil {
		log.Printf("warning: %v; falling back to openai/gpt-4o-mini", err)
		llmClient, err = llm.NewClient("openai", cfg.OpenAIAPIKey, "gpt-4o-mini", llmOpts...)
		if err != nil {
			log.Fatalf("agent client init failed: %v", err)
		}
	}
	deps.LLM = llmClient

	switch cfg.TTSProvider {
	case "elevenlabs":
		deps.TTS = tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabsAPIKey,
			VoiceID: cfg.TTSVoice,
			ModelID: cfg.TTSModel,
		})
		log.Println("tts: elevenlabs")
	default:
		deps.TTS = tts.NewOpenAI(cfg.OpenAIAPIKey, cfg.TTSModel, cfg.TTSVoice, "")
		log.Println("tts: openai")
	}

	return deps, llmClient
}

// recordingStore mirrors every persisted turn into the daily markdown
// transcript that the Drive export ships.
type recordingStore struct {
	*storage.SQLiteStore
	log *storage.Writer
}

func (s recordingStore) AppendTurn(conversationID string, rec storage.TurnRecord) error {
	if err := s.SQLiteStore.AppendTurn(conversationID, rec); err != nil {
		return err
	}
	if err := s.log.Append(rec); err != nil {
		log.Printf("warning: transcript log: %v", err)
	}
	return nil
}

func syncDailyLog(syncer *gdrive.Syncer, logDir string) {
	date := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(logDir, date+".md")
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := syncer.Sync(path, date); err != nil {
		log.Printf("gdrive sync error: %v", err)
	}
}
