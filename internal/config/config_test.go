package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.VoiceProvider != "auto" || cfg.ResponderMode != "auto" {
		t.Fatalf("providers = %q/%q, want auto/auto", cfg.VoiceProvider, cfg.ResponderMode)
	}
	if cfg.SalvageInterim {
		t.Fatalf("SalvageInterim = true, want off by default")
	}
	if strings.Join(cfg.StopPhrases, ",") != "exit,quit" {
		t.Fatalf("StopPhrases = %q", cfg.StopPhrases)
	}
	if cfg.DrainTimeout != 2*time.Second || cfg.OutboxSize != 256 {
		t.Fatalf("DrainTimeout = %v, OutboxSize = %d", cfg.DrainTimeout, cfg.OutboxSize)
	}
	if cfg.LedgerDatabaseURL != "" {
		t.Fatalf("LedgerDatabaseURL = %q, want empty default", cfg.LedgerDatabaseURL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("VOICE_STOP_PHRASES", " goodbye, stop talking ,")
	t.Setenv("VOICE_SALVAGE_INTERIM", "yes")
	t.Setenv("VOICE_DRAIN_TIMEOUT", "750ms")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://shop.example, https://m.shop.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if strings.Join(cfg.StopPhrases, "|") != "goodbye|stop talking" {
		t.Fatalf("StopPhrases = %q", cfg.StopPhrases)
	}
	if !cfg.SalvageInterim || cfg.DrainTimeout != 750*time.Millisecond {
		t.Fatalf("SalvageInterim = %v, DrainTimeout = %v", cfg.SalvageInterim, cfg.DrainTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://m.shop.example" {
		t.Fatalf("AllowedOrigins = %q", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"VOICE_DRAIN_TIMEOUT":            "soon",
		"VOICE_OUTBOX_SIZE":              "4",
		"VOICE_SALVAGE_INTERIM":          "maybe",
		"VOICE_PROVIDER":                 "whisper",
		"LOG_FORMAT":                     "xml",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil for %s=%q", key, value)
			}
		})
	}
}

func TestLoadRequiresElevenLabsKeyWhenSelected(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROVIDER", "elevenlabs")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing api key error")
	}
	t.Setenv("ELEVENLABS_API_KEY", "xi-test")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadAppliesConfigFileBeforeEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := writeConfigFile(t, `
server:
  bind_addr: ":7000"
  session_inactivity_timeout: 90s
voice:
  provider: mock
  greeting: "Welcome to the shop!"
  stop_phrases: [goodbye]
  salvage_interim: true
  max_utterance: 12s
responder:
  mode: openai
  openai:
    model: gpt-4o
    history_turns: 4
ledger:
  database_url: postgres://ledger@localhost/voice
`)
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7001" {
		t.Fatalf("BindAddr = %q, want env to win over file", cfg.BindAddr)
	}
	if cfg.SessionInactivityTimeout != 90*time.Second || cfg.MaxUtterance != 12*time.Second {
		t.Fatalf("durations = %v/%v", cfg.SessionInactivityTimeout, cfg.MaxUtterance)
	}
	if cfg.VoiceProvider != "mock" || cfg.Greeting != "Welcome to the shop!" || !cfg.SalvageInterim {
		t.Fatalf("voice settings = %q/%q/%v", cfg.VoiceProvider, cfg.Greeting, cfg.SalvageInterim)
	}
	if len(cfg.StopPhrases) != 1 || cfg.StopPhrases[0] != "goodbye" {
		t.Fatalf("StopPhrases = %q", cfg.StopPhrases)
	}
	if cfg.ResponderMode != "openai" || cfg.OpenAIModel != "gpt-4o" || cfg.OpenAIHistoryTurns != 4 {
		t.Fatalf("responder = %q/%q/%d", cfg.ResponderMode, cfg.OpenAIModel, cfg.OpenAIHistoryTurns)
	}
	if cfg.LedgerDatabaseURL != "postgres://ledger@localhost/voice" {
		t.Fatalf("LedgerDatabaseURL = %q", cfg.LedgerDatabaseURL)
	}
}

func TestLoadRejectsUnknownConfigFileKeys(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_CONFIG_FILE", writeConfigFile(t, "voice:\n  provder: mock\n"))
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want unknown field error")
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want open error")
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shopvoice.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_JANITOR_INTERVAL",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_ALLOWED_ORIGINS",
		"OTEL_SERVICE_NAME",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"VOICE_PROVIDER",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_BASE_URL",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_TTS_VOICE_ID",
		"ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_STT_MODEL_ID",
		"ELEVENLABS_TTS_OUTPUT_FORMAT",
		"ELEVENLABS_STT_SAMPLE_RATE",
		"RESPONDER_MODE",
		"RESPONDER_HTTP_URL",
		"RESPONDER_HTTP_TIMEOUT",
		"RESPONDER_HTTP_RETRIES",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_MODEL",
		"OPENAI_SYSTEM_PROMPT",
		"OPENAI_HISTORY_TURNS",
		"OPENAI_TIMEOUT",
		"VOICE_GREETING",
		"VOICE_STOP_PHRASES",
		"VOICE_SALVAGE_INTERIM",
		"VOICE_MAX_UTTERANCE",
		"VOICE_DRAIN_TIMEOUT",
		"VOICE_RESPONSE_TIMEOUT",
		"VOICE_OUTBOX_SIZE",
		"VOICE_WS_PING_INTERVAL",
		"VOICE_WS_READ_LIMIT",
		"LEDGER_DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
