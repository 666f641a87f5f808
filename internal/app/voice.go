package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/shopvoice/internal/config"
	"github.com/ent0n29/shopvoice/internal/voice"
)

type voiceSetup struct {
	recognizer       voice.Recognizer
	synthesizer      voice.Synthesizer
	resolvedProvider string
	detail           string
}

func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		elCfg := voice.ElevenLabsConfig{
			APIKey:        cfg.ElevenLabsAPIKey,
			BaseURL:       cfg.ElevenLabsBaseURL,
			WSBaseURL:     cfg.ElevenLabsWSBaseURL,
			STTModelID:    cfg.ElevenLabsSTTModel,
			STTSampleRate: cfg.ElevenLabsSTTSampleRate,
			VoiceID:       cfg.ElevenLabsTTSVoice,
			TTSModelID:    cfg.ElevenLabsTTSModel,
			OutputFormat:  cfg.ElevenLabsTTSOutputFormat,
		}
		return voiceSetup{
			recognizer:       voice.NewElevenLabsRecognizer(elCfg),
			synthesizer:      voice.NewElevenLabsSynthesizer(elCfg),
			resolvedProvider: "elevenlabs",
			detail:           "elevenlabs realtime stt + streaming tts",
		}, true
	}

	mock := func(detail string) voiceSetup {
		return voiceSetup{
			recognizer:       voice.NewMockRecognizer(),
			synthesizer:      voice.NewMockSynthesizer(),
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch voiceMode {
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return mock("mock (no elevenlabs key)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.VoiceProvider)
	}
}
