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

	"github.com/nikhilbhutani/jobpipeline/internal/app"
	"github.com/nikhilbhutani/jobpipeline/internal/audio"
	"github.com/nikhilbhutani/jobpipeline/internal/config"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/internal/notify"
	"github.com/nikhilbhutani/jobpipeline/internal/queue"
	"github.com/nikhilbhutani/jobpipeline/internal/queue/workers"
	"github.com/nikhilbhutani/jobpipeline/internal/retention"
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

	notifier := notify.NewNotifier(notify.NewRedisPublisher(svc.Redis), cfg.Worker.NotifyBuffer)
	if svc.Metrics != nil {
		notifier.OnDrop(svc.Metrics.EventsDropped.Inc)
	}

	segmenter := audio.NewSegmenter(audio.FFmpeg{
		FFmpegPath:  cfg.Audio.FFmpegPath,
		FFprobePath: cfg.Audio.FFprobePath,
		Silence: audio.SilenceConfig{
			ThresholdDB: cfg.Audio.SilenceThreshold,
			MinSilence:  cfg.Audio.MinSilence,
		},
	}, svc.Files.TempDir())
	audioHandler := workers.NewAudioHandler(segmenter, svc.Files, cfg.Audio.SegmentLength, cfg.Audio.SearchRadius, svc.Retry)

	dispatcher := workers.NewDispatcher(svc.Jobs, svc.Resolver, notifier, svc.Budgets, cfg.Worker.HeartbeatInterval).
		WithMetrics(svc.Metrics)
	dispatcher.Handle(models.JobTypeEmbedding, workers.NewEmbeddingHandler(svc.Pipeline, svc.Files))
	dispatcher.Handle(models.JobTypeImage, workers.NewImageHandler(svc.Jobs, svc.Files, svc.Retry))
	dispatcher.Handle(models.JobTypeTTS, workers.NewTTSHandler(svc.Files, svc.Retry))
	dispatcher.Handle(models.JobTypeTranscription, audioHandler)
	dispatcher.Handle(models.JobTypeTranslation, audioHandler)
	dispatcher.Handle(models.JobTypeDeletion, workers.NewDeletionHandler(svc.Jobs, svc.Files, svc.Pipeline, svc.Resolver))

	registry := queue.NewHandlersRegistry()
	registry.Register(queue.TypeJobRun, dispatcher)

	sweeper := retention.NewSweeper(svc.Jobs, svc.Queue, svc.Files, notifier, retention.Config{
		TempTTL:      cfg.Retention.TempTTL,
		AudioJobTTL:  cfg.Retention.AudioJobTTL,
		StaleAfter:   cfg.Jobs.StaleAfter,
		MaxAttempts:  cfg.Jobs.MaxAttempts,
		RequeueAfter: cfg.Jobs.RequeueAfter,
		RequeueBatch: cfg.Jobs.RequeueBatch,

		FailedUploadTTL:    cfg.Retention.FailedUploadTTL,
		DeletionRetries:    cfg.Retention.DeletionRetries,
		DeletionRetryAfter: cfg.Retention.DeletionRetryAfter,
	}).WithMetrics(svc.Metrics)

	scheduler := retention.NewScheduler()
	for _, entry := range []struct {
		task retention.Task
		spec string
	}{
		{retention.NewTask("sweep", sweeper.Sweep), cfg.Retention.SweepSpec},
		{retention.NewTask("reclaim", sweeper.Reclaim), cfg.Retention.ReclaimSpec},
		{retention.NewTask("requeue", sweeper.Requeue), cfg.Retention.RequeueSpec},
		{retention.NewTask("redrive-deletions", sweeper.RedriveDeletions), cfg.Retention.RedriveSpec},
	} {
		if err := scheduler.Add(entry.task, entry.spec); err != nil {
			slog.Error("invalid retention schedule", "task", entry.task.Name(), "error", err)
			os.Exit(1)
		}
	}

	var metricsSrv *http.Server
	if svc.Metrics != nil && cfg.Worker.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", svc.Metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	srv := queue.NewServer(cfg.Redis, cfg.Worker)
	if err := srv.Start(registry.Mux()); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
	scheduler.Start(ctx)
	slog.Info("worker started", "concurrency", cfg.Worker.Concurrency, "queues", queue.Queues())

	<-ctx.Done()
	slog.Info("shutting down worker...")

	scheduler.Stop()
	srv.Shutdown()
	notifier.Close()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	slog.Info("worker stopped")
}
