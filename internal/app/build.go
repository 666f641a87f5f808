package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/shopvoice/internal/config"
	"github.com/ent0n29/shopvoice/internal/httpapi"
	"github.com/ent0n29/shopvoice/internal/ledger"
	"github.com/ent0n29/shopvoice/internal/observability"
	"github.com/ent0n29/shopvoice/internal/responder"
	"github.com/ent0n29/shopvoice/internal/session"
	"github.com/ent0n29/shopvoice/internal/voice"
)

type VoiceInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *session.Registry
	Metrics  *observability.Metrics
	Ledger   ledger.Store
	Voice    VoiceInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// sessionEnder is implemented by generators that keep per-session history.
type sessionEnder interface {
	EndSession(sessionID string)
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := ledger.NewStore(ctx, cfg.LedgerDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("turn ledger init failed: %w", err)
	}

	generator, err := responder.NewGenerator(responder.Config{
		Mode:               cfg.ResponderMode,
		HTTPURL:            cfg.ResponderHTTPURL,
		HTTPTimeout:        cfg.ResponderHTTPTimeout,
		HTTPRetries:        cfg.ResponderHTTPRetries,
		OpenAIAPIKey:       cfg.OpenAIAPIKey,
		OpenAIBaseURL:      cfg.OpenAIBaseURL,
		OpenAIModel:        cfg.OpenAIModel,
		OpenAISystemPrompt: cfg.OpenAISystemPrompt,
		OpenAIHistoryTurns: cfg.OpenAIHistoryTurns,
		OpenAITimeout:      cfg.OpenAITimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("responder init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// Handlers report the backend that actually resolved.
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	registry := session.NewRegistry(cfg.SessionInactivityTimeout)
	registry.OnUnregister(func(info session.Info) {
		metrics.SessionEvent("unregistered")
		logger.Info("session unregistered",
			slog.String("session_id", info.SessionID),
			slog.Int("turns_completed", info.TurnsCompleted),
			slog.Int("interruptions", info.InterruptionCount),
		)
	})
	if ender, ok := generator.(sessionEnder); ok {
		registry.OnUnregister(func(info session.Info) {
			ender.EndSession(info.SessionID)
		})
	}

	deps := voice.Deps{
		Recognizer: voiceSetup.recognizer,
		Generator:  generator,
		Streamer:   voice.NewStreamer(voiceSetup.synthesizer),
		Ledger:     store,
		Metrics:    metrics,
		Logger:     logger,
	}
	api := httpapi.New(cfg, registry, deps, ControllerConfig(cfg))

	cleanup := func() error {
		var errs []string
		registry.CloseAll()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Registry: registry,
		Metrics:  metrics,
		Ledger:   store,
		Voice: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}

// ControllerConfig maps service config onto per-session controller settings.
func ControllerConfig(cfg config.Config) voice.ControllerConfig {
	return voice.ControllerConfig{
		DrainTimeout:    cfg.DrainTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		Greeting:        cfg.Greeting,
		Detector: voice.DetectorConfig{
			StopPhrases:    cfg.StopPhrases,
			SalvageInterim: cfg.SalvageInterim,
			MaxUtterance:   cfg.MaxUtterance,
		},
	}
}
