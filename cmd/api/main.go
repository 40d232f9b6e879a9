package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/jobpipeline/internal/api"
	"github.com/nikhilbhutani/jobpipeline/internal/api/handlers"
	"github.com/nikhilbhutani/jobpipeline/internal/app"
	"github.com/nikhilbhutani/jobpipeline/internal/cache"
	"github.com/nikhilbhutani/jobpipeline/internal/config"
	"github.com/nikhilbhutani/jobpipeline/internal/llm"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/internal/notify"
	"github.com/nikhilbhutani/jobpipeline/internal/rag"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	app.SetupLogging(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to start services", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	var fallback llm.ChatStreamer
	if cfg.LLM.AnthropicKey != "" {
		fallback = llm.NewAnthropicProvider(cfg.LLM.AnthropicKey, cfg.LLM.AnthropicModel)
	}
	answerer := rag.NewAnswerer(svc.Pipeline, cache.NewEmbeddingCache(svc.Redis, cfg.LLM.QueryCacheTTL), fallback)

	checks := make(map[string]handlers.Check)
	for name, check := range svc.Checks() {
		checks[name] = check
	}

	deps := api.Deps{
		Jobs:      svc.Jobs,
		Documents: svc.Documents,
		Queue:     svc.Queue,
		Files:     svc.Files,
		Users:     svc.Jobs,
		Answerer:  answerer,
		Resolver:  svc.Resolver,
		Subscribe: func(ctx context.Context, userID uuid.UUID) <-chan models.Event {
			return notify.Subscribe(ctx, svc.Redis, userID)
		},
		Checks: checks,
	}
	if svc.Metrics != nil {
		deps.Metrics = svc.Metrics.Handler()
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(cfg, deps).Setup(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: answer and event streams stay open until the
		// client leaves or shutdown cancels the base context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
