package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the voice session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration
	MetricsNamespace         string
	ServiceName              string

	AllowAnyOrigin bool
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	VoiceProvider string

	ElevenLabsAPIKey          string
	ElevenLabsBaseURL         string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsSTTModel        string
	ElevenLabsTTSOutputFormat string
	ElevenLabsSTTSampleRate   int

	ResponderMode        string
	ResponderHTTPURL     string
	ResponderHTTPTimeout time.Duration
	ResponderHTTPRetries int

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIModel        string
	OpenAISystemPrompt string
	OpenAIHistoryTurns int
	OpenAITimeout      time.Duration

	Greeting        string
	StopPhrases     []string
	SalvageInterim  bool
	MaxUtterance    time.Duration
	DrainTimeout    time.Duration
	ResponseTimeout time.Duration
	OutboxSize      int
	WSPingInterval  time.Duration
	WSReadLimit     int64

	LedgerDatabaseURL string
}

// fileConfig is the optional YAML overlay. Zero values leave defaults alone;
// environment variables win over both.
type fileConfig struct {
	Server struct {
		BindAddr                 string        `yaml:"bind_addr"`
		ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
		SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
		JanitorInterval          time.Duration `yaml:"janitor_interval"`
		MetricsNamespace         string        `yaml:"metrics_namespace"`
		ServiceName              string        `yaml:"service_name"`
		AllowAnyOrigin           bool          `yaml:"allow_any_origin"`
		AllowedOrigins           []string      `yaml:"allowed_origins"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Voice struct {
		Provider        string        `yaml:"provider"`
		Greeting        string        `yaml:"greeting"`
		StopPhrases     []string      `yaml:"stop_phrases"`
		SalvageInterim  bool          `yaml:"salvage_interim"`
		MaxUtterance    time.Duration `yaml:"max_utterance"`
		DrainTimeout    time.Duration `yaml:"drain_timeout"`
		ResponseTimeout time.Duration `yaml:"response_timeout"`
		OutboxSize      int           `yaml:"outbox_size"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		ReadLimit       int64         `yaml:"read_limit"`
	} `yaml:"voice"`
	ElevenLabs struct {
		BaseURL       string `yaml:"base_url"`
		WSBaseURL     string `yaml:"ws_base_url"`
		VoiceID       string `yaml:"voice_id"`
		TTSModelID    string `yaml:"tts_model_id"`
		STTModelID    string `yaml:"stt_model_id"`
		OutputFormat  string `yaml:"output_format"`
		STTSampleRate int    `yaml:"stt_sample_rate"`
	} `yaml:"elevenlabs"`
	Responder struct {
		Mode        string        `yaml:"mode"`
		HTTPURL     string        `yaml:"http_url"`
		HTTPTimeout time.Duration `yaml:"http_timeout"`
		HTTPRetries int           `yaml:"http_retries"`
		OpenAI      struct {
			BaseURL      string        `yaml:"base_url"`
			Model        string        `yaml:"model"`
			SystemPrompt string        `yaml:"system_prompt"`
			HistoryTurns int           `yaml:"history_turns"`
			Timeout      time.Duration `yaml:"timeout"`
		} `yaml:"openai"`
	} `yaml:"responder"`
	Ledger struct {
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"ledger"`
}

func defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		JanitorInterval:          15 * time.Second,
		MetricsNamespace:         "shopvoice",
		ServiceName:              "shopvoice",
		LogLevel:                 "info",
		LogFormat:                "json",
		VoiceProvider:            "auto",
		ElevenLabsBaseURL:        "https://api.elevenlabs.io",
		ElevenLabsWSBaseURL:      "wss://api.elevenlabs.io",
		ElevenLabsTTSModel:       "eleven_multilingual_v2",
		ElevenLabsSTTModel:       "scribe_v1",
		// mp3 matches what browser clients can play without a decoder.
		ElevenLabsTTSOutputFormat: "mp3_44100_128",
		ElevenLabsSTTSampleRate:   16000,
		ResponderMode:             "auto",
		ResponderHTTPTimeout:      10 * time.Second,
		ResponderHTTPRetries:      2,
		OpenAIModel:               "gpt-4o-mini",
		OpenAIHistoryTurns:        8,
		OpenAITimeout:             20 * time.Second,
		StopPhrases:               []string{"exit", "quit"},
		MaxUtterance:              30 * time.Second,
		DrainTimeout:              2 * time.Second,
		ResponseTimeout:           30 * time.Second,
		OutboxSize:                256,
		WSPingInterval:            20 * time.Second,
		WSReadLimit:               1 << 20,
	}
}

// Load applies defaults, then the YAML file named by APP_CONFIG_FILE if set,
// then environment variables, and validates the result.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.ServiceName = envOrDefault("OTEL_SERVICE_NAME", cfg.ServiceName)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.AllowedOrigins = listFromEnv("APP_ALLOWED_ORIGINS", cfg.AllowedOrigins)

	cfg.VoiceProvider = envOrDefault("VOICE_PROVIDER", cfg.VoiceProvider)
	cfg.ElevenLabsAPIKey = envOrDefault("ELEVENLABS_API_KEY", cfg.ElevenLabsAPIKey)
	cfg.ElevenLabsBaseURL = envOrDefault("ELEVENLABS_BASE_URL", cfg.ElevenLabsBaseURL)
	cfg.ElevenLabsWSBaseURL = envOrDefault("ELEVENLABS_WS_BASE_URL", cfg.ElevenLabsWSBaseURL)
	cfg.ElevenLabsTTSVoice = envOrDefault("ELEVENLABS_TTS_VOICE_ID", cfg.ElevenLabsTTSVoice)
	cfg.ElevenLabsTTSModel = envOrDefault("ELEVENLABS_TTS_MODEL_ID", cfg.ElevenLabsTTSModel)
	cfg.ElevenLabsSTTModel = envOrDefault("ELEVENLABS_STT_MODEL_ID", cfg.ElevenLabsSTTModel)
	cfg.ElevenLabsTTSOutputFormat = envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", cfg.ElevenLabsTTSOutputFormat)

	cfg.ResponderMode = envOrDefault("RESPONDER_MODE", cfg.ResponderMode)
	cfg.ResponderHTTPURL = envOrDefault("RESPONDER_HTTP_URL", cfg.ResponderHTTPURL)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIModel = envOrDefault("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.OpenAISystemPrompt = envOrDefault("OPENAI_SYSTEM_PROMPT", cfg.OpenAISystemPrompt)

	cfg.Greeting = envOrDefault("VOICE_GREETING", cfg.Greeting)
	cfg.StopPhrases = listFromEnv("VOICE_STOP_PHRASES", cfg.StopPhrases)
	cfg.LedgerDatabaseURL = envOrDefault("LEDGER_DATABASE_URL", cfg.LedgerDatabaseURL)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"APP_JANITOR_INTERVAL", &cfg.JanitorInterval},
		{"RESPONDER_HTTP_TIMEOUT", &cfg.ResponderHTTPTimeout},
		{"OPENAI_TIMEOUT", &cfg.OpenAITimeout},
		{"VOICE_MAX_UTTERANCE", &cfg.MaxUtterance},
		{"VOICE_DRAIN_TIMEOUT", &cfg.DrainTimeout},
		{"VOICE_RESPONSE_TIMEOUT", &cfg.ResponseTimeout},
		{"VOICE_WS_PING_INTERVAL", &cfg.WSPingInterval},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"ELEVENLABS_STT_SAMPLE_RATE", &cfg.ElevenLabsSTTSampleRate},
		{"RESPONDER_HTTP_RETRIES", &cfg.ResponderHTTPRetries},
		{"OPENAI_HISTORY_TURNS", &cfg.OpenAIHistoryTurns},
		{"VOICE_OUTBOX_SIZE", &cfg.OutboxSize},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	readLimit, err := intFromEnv("VOICE_WS_READ_LIMIT", int(cfg.WSReadLimit))
	if err != nil {
		return Config{}, err
	}
	cfg.WSReadLimit = int64(readLimit)

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SalvageInterim, err = boolFromEnv("VOICE_SALVAGE_INTERIM", cfg.SalvageInterim)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("APP_JANITOR_INTERVAL must be positive")
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("VOICE_DRAIN_TIMEOUT must be positive")
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("VOICE_RESPONSE_TIMEOUT must be positive")
	}
	if c.MaxUtterance < 0 {
		return fmt.Errorf("VOICE_MAX_UTTERANCE must be >= 0")
	}
	if c.OutboxSize < 16 {
		return fmt.Errorf("VOICE_OUTBOX_SIZE must be at least 16")
	}
	if c.WSReadLimit <= 0 {
		return fmt.Errorf("VOICE_WS_READ_LIMIT must be positive")
	}
	if c.ResponderHTTPRetries < 0 {
		return fmt.Errorf("RESPONDER_HTTP_RETRIES must be >= 0")
	}
	if c.OpenAIHistoryTurns < 0 {
		return fmt.Errorf("OPENAI_HISTORY_TURNS must be >= 0")
	}
	if len(c.StopPhrases) == 0 {
		return fmt.Errorf("VOICE_STOP_PHRASES must name at least one phrase")
	}
	switch strings.ToLower(c.VoiceProvider) {
	case "auto", "elevenlabs", "mock":
	default:
		return fmt.Errorf("VOICE_PROVIDER must be one of auto, elevenlabs, mock")
	}
	if strings.EqualFold(c.VoiceProvider, "elevenlabs") && c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required when VOICE_PROVIDER=elevenlabs")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.Server.BindAddr)
	setDuration(&cfg.ShutdownTimeout, fc.Server.ShutdownTimeout)
	setDuration(&cfg.SessionInactivityTimeout, fc.Server.SessionInactivityTimeout)
	setDuration(&cfg.JanitorInterval, fc.Server.JanitorInterval)
	setString(&cfg.MetricsNamespace, fc.Server.MetricsNamespace)
	setString(&cfg.ServiceName, fc.Server.ServiceName)
	cfg.AllowAnyOrigin = cfg.AllowAnyOrigin || fc.Server.AllowAnyOrigin
	if len(fc.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.Server.AllowedOrigins
	}

	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)

	setString(&cfg.VoiceProvider, fc.Voice.Provider)
	setString(&cfg.Greeting, fc.Voice.Greeting)
	if len(fc.Voice.StopPhrases) > 0 {
		cfg.StopPhrases = fc.Voice.StopPhrases
	}
	cfg.SalvageInterim = cfg.SalvageInterim || fc.Voice.SalvageInterim
	setDuration(&cfg.MaxUtterance, fc.Voice.MaxUtterance)
	setDuration(&cfg.DrainTimeout, fc.Voice.DrainTimeout)
	setDuration(&cfg.ResponseTimeout, fc.Voice.ResponseTimeout)
	setInt(&cfg.OutboxSize, fc.Voice.OutboxSize)
	setDuration(&cfg.WSPingInterval, fc.Voice.PingInterval)
	if fc.Voice.ReadLimit != 0 {
		cfg.WSReadLimit = fc.Voice.ReadLimit
	}

	setString(&cfg.ElevenLabsBaseURL, fc.ElevenLabs.BaseURL)
	setString(&cfg.ElevenLabsWSBaseURL, fc.ElevenLabs.WSBaseURL)
	setString(&cfg.ElevenLabsTTSVoice, fc.ElevenLabs.VoiceID)
	setString(&cfg.ElevenLabsTTSModel, fc.ElevenLabs.TTSModelID)
	setString(&cfg.ElevenLabsSTTModel, fc.ElevenLabs.STTModelID)
	setString(&cfg.ElevenLabsTTSOutputFormat, fc.ElevenLabs.OutputFormat)
	setInt(&cfg.ElevenLabsSTTSampleRate, fc.ElevenLabs.STTSampleRate)

	setString(&cfg.ResponderMode, fc.Responder.Mode)
	setString(&cfg.ResponderHTTPURL, fc.Responder.HTTPURL)
	setDuration(&cfg.ResponderHTTPTimeout, fc.Responder.HTTPTimeout)
	setInt(&cfg.ResponderHTTPRetries, fc.Responder.HTTPRetries)
	setString(&cfg.OpenAIBaseURL, fc.Responder.OpenAI.BaseURL)
	setString(&cfg.OpenAIModel, fc.Responder.OpenAI.Model)
	setString(&cfg.OpenAISystemPrompt, fc.Responder.OpenAI.SystemPrompt)
	setInt(&cfg.OpenAIHistoryTurns, fc.Responder.OpenAI.HistoryTurns)
	setDuration(&cfg.OpenAITimeout, fc.Responder.OpenAI.Timeout)

	setString(&cfg.LedgerDatabaseURL, fc.Ledger.DatabaseURL)
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
