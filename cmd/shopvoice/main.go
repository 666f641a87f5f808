package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/shopvoice/internal/app"
	"github.com/ent0n29/shopvoice/internal/config"
	"github.com/ent0n29/shopvoice/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("shopvoice exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("voice provider resolved",
		slog.String("provider", built.Voice.Provider),
		slog.String("detail", built.Voice.Detail),
		slog.String("responder_mode", cfg.ResponderMode),
	)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           observability.HTTPHandler(built.API.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	defer janitorCancel()
	built.Registry.StartJanitor(janitorCtx, cfg.JanitorInterval)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.BindAddr), slog.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("listen error", slog.Any("error", err))
		}
	}

	built.API.SetDraining(true)
	janitorCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; ending the
	// sessions lets each handler flush and close its own connection.
	built.Registry.CloseAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
		_ = httpServer.Close()
	}
	if err := built.Cleanup(); err != nil {
		logger.Warn("cleanup failed", slog.Any("error", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
