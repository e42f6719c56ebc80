package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Purple-Horizons/openclaw-voice/internal/auth"
)

// EnvPrefix is the namespace prefix for all OpenClaw Voice environment
// variables.
const EnvPrefix = "OPENCLAW_VOICE_"

// DefaultSystemPrompt steers the agent toward replies short enough to
// speak aloud.
const DefaultSystemPrompt = "You are a helpful voice assistant. Keep responses concise and conversational. Aim for 1-2 sentences unless more detail is needed."

// KeyEntry is one configured API key. Only the sha256 hex digest of the
// plaintext appears in the file; the plaintext stays with the client.
type KeyEntry struct {
	Name   string `yaml:"name"`
	Tier   string `yaml:"tier"`
	SHA256 string `yaml:"sha256"`
}

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	Addr        string `yaml:"addr"`
	RequireAuth bool   `yaml:"require_auth"`
	DBPath      string `yaml:"db_path"`
	LogDir      string `yaml:"log_dir"`

	SampleRate int  `yaml:"sample_rate"`
	Continuous bool `yaml:"continuous"`

	SystemPrompt  string `yaml:"system_prompt"`
	SummaryPrompt string `yaml:"summary_prompt"`

	LLMModel   string `yaml:"llm_model"`
	LLMBaseURL string `yaml:"llm_base_url"`

	DeepgramModel    string `yaml:"deepgram_model"`
	DeepgramLanguage string `yaml:"deepgram_language"`
	UtteranceEndMs   int    `yaml:"utterance_end_ms"`
	WhisperModel     string `yaml:"whisper_model"`
	WhisperBaseURL   string `yaml:"whisper_base_url"`

	TTSProvider string `yaml:"tts_provider"`
	TTSModel    string `yaml:"tts_model"`
	TTSVoice    string `yaml:"tts_voice"`

	MinUtterance     string  `yaml:"min_utterance"`
	MaxUtterance     string  `yaml:"max_utterance"`
	STTTimeout       string  `yaml:"stt_timeout"`
	ResponseTimeout  string  `yaml:"response_timeout"`
	FlushWait        string  `yaml:"flush_wait"`
	HistoryLimit     int     `yaml:"history_limit"`
	MaxParallelSynth int     `yaml:"max_parallel_synth"`
	VADThreshold     float64 `yaml:"vad_threshold"`
	VADHangover      string  `yaml:"vad_hangover"`

	APIKeys []KeyEntry `yaml:"api_keys"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets come from env vars only, never serialized to YAML.
	DeepgramAPIKey   string `yaml:"-"`
	OpenAIAPIKey     string `yaml:"-"`
	AnthropicAPIKey  string `yaml:"-"`
	GeminiAPIKey     string `yaml:"-"`
	ElevenLabsAPIKey string `yaml:"-"`
	MasterKey        string `yaml:"-"`
}

func defaults() Config {
	return Config{
		Addr:                  ":8765",
		DBPath:                "data/openclaw-voice.db",
		LogDir:                "data/logs",
		SampleRate:            16000,
		SystemPrompt:          DefaultSystemPrompt,
		LLMModel:              "openai/gpt-4o-mini",
		DeepgramModel:         "nova-2",
		DeepgramLanguage:      "en-US",
		UtteranceEndMs:        1000,
		TTSProvider:           "openai",
		MinUtterance:          "300ms",
		MaxUtterance:          "30s",
		STTTimeout:            "15s",
		ResponseTimeout:       "2m",
		FlushWait:             "2s",
		HistoryLimit:          10,
		MaxParallelSynth:      1,
		VADThreshold:          0.008,
		VADHangover:           "900ms",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// SplitLLMModel returns the provider and model halves of llm_model,
// falling back to the default model when the value is malformed.
func (c *Config) SplitLLMModel() (provider, model string) {
	if p, m, ok := splitModel(c.LLMModel); ok {
		return p, m
	}
	return "openai", "gpt-4o-mini"
}

// ProviderAPIKey returns the secret configured for an agent provider.
func (c *Config) ProviderAPIKey(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	}
	return ""
}

// TTSAPIKey returns the secret for the configured synthesis provider.
func (c *Config) TTSAPIKey() string {
	switch c.TTSProvider {
	case "elevenlabs":
		return c.ElevenLabsAPIKey
	default:
		return c.OpenAIAPIKey
	}
}

func (c *Config) ParsedMinUtterance() time.Duration {
	return durationOr(c.MinUtterance, 300*time.Millisecond)
}

func (c *Config) ParsedMaxUtterance() time.Duration {
	return durationOr(c.MaxUtterance, 30*time.Second)
}

func (c *Config) ParsedSTTTimeout() time.Duration {
	return durationOr(c.STTTimeout, 15*time.Second)
}

func (c *Config) ParsedResponseTimeout() time.Duration {
	return durationOr(c.ResponseTimeout, 2*time.Minute)
}

func (c *Config) ParsedFlushWait() time.Duration {
	return durationOr(c.FlushWait, 2*time.Second)
}

func (c *Config) ParsedVADHangover() time.Duration {
	return durationOr(c.VADHangover, 900*time.Millisecond)
}

func applyEnvOverrides(cfg *Config) {
	envString(&cfg.Addr, "ADDR")
	envBool(&cfg.RequireAuth, "REQUIRE_AUTH")
	envString(&cfg.DBPath, "DB_PATH")
	envString(&cfg.LogDir, "LOG_DIR")
	envInt(&cfg.SampleRate, "SAMPLE_RATE")
	envBool(&cfg.Continuous, "CONTINUOUS")
	envString(&cfg.SystemPrompt, "SYSTEM_PROMPT")
	envString(&cfg.SummaryPrompt, "SUMMARY_PROMPT")
	envString(&cfg.LLMModel, "LLM_MODEL")
	envString(&cfg.LLMBaseURL, "LLM_BASE_URL")
	envString(&cfg.DeepgramModel, "DEEPGRAM_MODEL")
	envString(&cfg.DeepgramLanguage, "DEEPGRAM_LANGUAGE")
	envInt(&cfg.UtteranceEndMs, "UTTERANCE_END_MS")
	envString(&cfg.WhisperModel, "WHISPER_MODEL")
	envString(&cfg.WhisperBaseURL, "WHISPER_BASE_URL")
	envString(&cfg.TTSProvider, "TTS_PROVIDER")
	envString(&cfg.TTSModel, "TTS_MODEL")
	envString(&cfg.TTSVoice, "TTS_VOICE")
	envString(&cfg.MinUtterance, "MIN_UTTERANCE")
	envString(&cfg.MaxUtterance, "MAX_UTTERANCE")
	envString(&cfg.STTTimeout, "STT_TIMEOUT")
	envString(&cfg.ResponseTimeout, "RESPONSE_TIMEOUT")
	envString(&cfg.FlushWait, "FLUSH_WAIT")
	envInt(&cfg.HistoryLimit, "HISTORY_LIMIT")
	envInt(&cfg.MaxParallelSynth, "MAX_PARALLEL_SYNTH")
	envFloat(&cfg.VADThreshold, "VAD_THRESHOLD")
	envString(&cfg.VADHangover, "VAD_HANGOVER")
	envString(&cfg.GDriveFolderID, "GDRIVE_FOLDER_ID")
	envString(&cfg.GoogleCredentialsFile, "GOOGLE_CREDENTIALS_FILE")
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
	cfg.ElevenLabsAPIKey = os.Getenv(EnvPrefix + "ELEVENLABS_API_KEY")
	cfg.MasterKey = os.Getenv(EnvPrefix + "MASTER_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.DeepgramAPIKey == "" && cfg.OpenAIAPIKey == "" {
		warnings = append(warnings, "No transcription key configured — set "+EnvPrefix+"DEEPGRAM_API_KEY for live streaming or "+EnvPrefix+"OPENAI_API_KEY for batch mode.")
	} else if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured — transcription falls back to Whisper batch mode. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}

	if _, _, ok := splitModel(cfg.LLMModel); !ok {
		warnings = append(warnings, fmt.Sprintf("Invalid llm_model %q — using %s.", cfg.LLMModel, defaults().LLMModel))
	}
	switch provider, _ := cfg.SplitLLMModel(); provider {
	case "openai", "anthropic", "gemini":
		if cfg.ProviderAPIKey(provider) == "" {
			warnings = append(warnings, fmt.Sprintf("%s API key not configured — agent responses are disabled. Set %s%s_API_KEY.", providerLabel(provider), EnvPrefix, strings.ToUpper(provider)))
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown LLM provider %q — supported providers are openai, anthropic, gemini.", provider))
	}

	switch cfg.TTSProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "OpenAI API key not configured — speech synthesis is disabled. Set "+EnvPrefix+"OPENAI_API_KEY.")
		}
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" {
			warnings = append(warnings, "ElevenLabs API key not configured — speech synthesis is disabled. Set "+EnvPrefix+"ELEVENLABS_API_KEY.")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown tts_provider %q — using openai.", cfg.TTSProvider))
	}

	for _, field := range []struct{ name, value string }{
		{"min_utterance", cfg.MinUtterance},
		{"max_utterance", cfg.MaxUtterance},
		{"stt_timeout", cfg.STTTimeout},
		{"response_timeout", cfg.ResponseTimeout},
		{"flush_wait", cfg.FlushWait},
		{"vad_hangover", cfg.VADHangover},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q — using the built-in default.", field.name, field.value))
		}
	}

	if cfg.MasterKey != "" && !strings.HasPrefix(cfg.MasterKey, auth.KeyPrefix) {
		warnings = append(warnings, "Master key does not start with "+auth.KeyPrefix+" — it will be rejected at startup.")
	}
	if cfg.RequireAuth && len(cfg.APIKeys) == 0 && cfg.MasterKey == "" {
		warnings = append(warnings, "require_auth is enabled but no API keys are configured — every connection will be rejected.")
	}
	if !cfg.RequireAuth && (len(cfg.APIKeys) > 0 || cfg.MasterKey != "") {
		warnings = append(warnings, "API keys are configured but require_auth is disabled — connections are not authenticated.")
	}
	for _, k := range cfg.APIKeys {
		name := strings.TrimSpace(k.Name)
		if name == "" {
			warnings = append(warnings, "API key entry with an empty name — entry is ignored.")
			continue
		}
		if _, err := auth.ParseTier(k.Tier); err != nil {
			warnings = append(warnings, fmt.Sprintf("API key %q: %v — entry is ignored.", name, err))
			continue
		}
		if !validKeyHash(k.SHA256) {
			warnings = append(warnings, fmt.Sprintf("API key %q: sha256 must be %d hex characters — entry is ignored.", name, sha256.Size*2))
		}
	}

	return warnings
}

func providerLabel(provider string) string {
	switch provider {
	case "openai":
		return "OpenAI"
	case "anthropic":
		return "Anthropic"
	case "gemini":
		return "Gemini"
	}
	return provider
}

func splitModel(s string) (provider, model string, ok bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func validKeyHash(hash string) bool {
	hash = strings.TrimSpace(hash)
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func durationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envString(dst *string, name string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
		*dst = n
	}
}

func envFloat(dst *float64, name string) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
		*dst = f
	}
}

func envBool(dst *bool, name string) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		*dst = b
	}
}
