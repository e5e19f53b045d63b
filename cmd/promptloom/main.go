package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"PromptLoom/internal/api"
	"PromptLoom/internal/backend"
	"PromptLoom/internal/chat"
	"PromptLoom/internal/config"
	"PromptLoom/internal/exchange"
	"PromptLoom/internal/store"
	"PromptLoom/internal/telemetry"
	"PromptLoom/internal/template"
)

func main() {
	cfg := config.FromFlags()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	_, _, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	var st store.Store
	if cfg.StoreDSN == "" {
		logger.Info("using in-memory conversation store")
		st = store.NewMemStore()
	} else {
		st, err = store.NewSQLiteStore(cfg.StoreDSN, logger)
		if err != nil {
			return fmt.Errorf("failed to open conversation store: %w", err)
		}
	}
	defer st.Close()

	registry := template.NewRegistry(logger)
	if err := registry.LoadDir(cfg.TemplatesDir); err != nil {
		// Raw prompts still work without templates.
		logger.Warn("no templates loaded", "dir", cfg.TemplatesDir, "error", err)
		fmt.Fprintf(os.Stderr, "Warning: no templates loaded from %s\n", cfg.TemplatesDir)
	} else {
		stop, err := registry.Watch()
		if err != nil {
			logger.Warn("template hot reload disabled", "error", err)
		} else {
			defer stop()
		}
	}

	client := backend.NewClient(cfg.OllamaURL, cfg.Model, cfg.Timeout, cfg.Options, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return fmt.Errorf("backend unreachable at %s (is Ollama running?): %w", cfg.OllamaURL, err)
	}

	coordinator := exchange.New(registry, client, st, logger)

	if cfg.Listen != "" {
		apiServer := api.NewServer(coordinator, registry, logger)
		httpServer := &http.Server{Addr: cfg.Listen, Handler: apiServer.Handler()}
		go func() {
			logger.Info("http api listening", "addr", cfg.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http api failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	app := chat.NewApp(coordinator, registry, client, cfg.ConversationID, cfg.Model, logger)
	return app.Run()
}
